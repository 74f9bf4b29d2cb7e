package pcntrl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iclaustron/gridctl/pkg/griderrs"
)

// NamedFile is one file of a file-install transfer (§4.6.4):
// config.ini, grid_common.ini, and one per cluster.
type NamedFile struct {
	Name    string
	Content []byte
}

// InstallFiles writes each file into dir. The transfer is all-or-
// nothing: if any write fails, every file already created during this
// call is removed before returning, per §4.6.4.
func InstallFiles(dir string, files []NamedFile) error {
	var created []string
	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		if err := os.WriteFile(path, f.Content, 0o644); err != nil {
			rollbackInstall(created)
			return fmt.Errorf("%w: writing %s: %v", griderrs.ErrFilesystem, f.Name, err)
		}
		created = append(created, path)
	}
	return nil
}

func rollbackInstall(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
