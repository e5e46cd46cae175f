package fuzz

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dictionaryPath returns the dictionary to use for the target at targetPath.
// A "dict = ..." entry in <target>.options wins over <target>.dict.
func dictionaryPath(targetPath string) (string, error) {
	dir := filepath.Dir(targetPath)
	optionsFile := targetPath + ".options"
	dictFile := targetPath + ".dict"

	if file, err := os.Open(optionsFile); err == nil {
		defer file.Close()

		var lastDict string
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.Contains(line, "dict") {
				continue
			}
			if parts := strings.SplitN(line, "=", 2); len(parts) == 2 {
				if strings.TrimSpace(parts[0]) == "dict" {
					lastDict = strings.TrimSpace(parts[1])
				}
			}
		}
		if err := scanner.Err(); err == nil && lastDict != "" {
			absDict := filepath.Join(dir, lastDict)
			if stat, err := os.Stat(absDict); err == nil && !stat.IsDir() {
				return absDict, nil
			}
		}
	}

	if stat, err := os.Stat(dictFile); err == nil && !stat.IsDir() {
		return dictFile, nil
	}
	return "", fmt.Errorf("no dictionary found for %s", filepath.Base(targetPath))
}
