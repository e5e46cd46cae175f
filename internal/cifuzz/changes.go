package cifuzz

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"b3cifuzz/internal/types"
)

// ChangeSetFile records, in the workspace, the files changed by the revision
// that was built so a later run step can select targets.
const ChangeSetFile = "changed_files.txt"

func SaveChangeSet(workspace string, changes types.ChangeSet) error {
	path := filepath.Join(workspace, ChangeSetFile)
	if !changes.Known() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	content := strings.Join(changes.Files(), "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ChangeSetFile, err)
	}
	return nil
}

// LoadChangeSet returns the recorded change set, or an unknown one when none
// was recorded.
func LoadChangeSet(workspace string) (types.ChangeSet, error) {
	file, err := os.Open(filepath.Join(workspace, ChangeSetFile))
	if errors.Is(err, os.ErrNotExist) {
		return types.UnknownChangeSet(), nil
	}
	if err != nil {
		return types.UnknownChangeSet(), err
	}
	defer file.Close()

	var files []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			files = append(files, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return types.UnknownChangeSet(), fmt.Errorf("failed to read %s: %w", ChangeSetFile, err)
	}
	return types.NewChangeSet(files), nil
}
