package harness

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/adammck/fixture/pkg/api"
)

// archive copies the data dir of each node into a directory named after the
// test, under the configured archive dir. Failures are only logged, since
// they shouldn't mask whatever went wrong with the test.
func (tc *TestContext) archive(testID string, nodes []api.Node) {
	if testID == "" {
		testID = "unknown"
	}

	dir := filepath.Join(tc.opts.Config.ArchiveDir, testID)
	if err := archiveTo(dir, nodes); err != nil {
		log.Printf("WARN: unable to copy server data into %s: %v", dir, err)
		return
	}

	archives.Inc()
	log.Printf("archived data of %d servers into %s", len(nodes), dir)
}

func archiveTo(dir string, nodes []api.Node) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, n := range nodes {
		if n.DataPath == "" {
			continue
		}

		dst := filepath.Join(dir, filepath.Base(n.DataPath))
		if err := os.CopyFS(dst, os.DirFS(n.DataPath)); err != nil {
			return fmt.Errorf("copying data of %s: %w", n.Name, err)
		}
	}

	return nil
}
