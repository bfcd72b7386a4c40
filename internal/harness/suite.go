package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a batch of scenario files.
type SuiteResult struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Failures []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure is one scenario file that failed to load, run or pass.
type SuiteFailure struct {
	Path   string   `json:"path"`
	Name   string   `json:"name,omitempty"`
	Errors []string `json:"errors"`
}

// Discover returns the .yaml and .yml files under each path, sorted. A path
// naming a file is returned as is. filter is a filepath.Match pattern on
// the file name without extension; empty matches everything.
func Discover(filter string, paths ...string) ([]string, error) {
	var files []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("scenario path %s: %w", root, err)
		}
		if !info.IsDir() {
			files = append(files, root)
			continue
		}
		err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			ext := filepath.Ext(path)
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}
			if filter != "" {
				name := strings.TrimSuffix(filepath.Base(path), ext)
				matched, err := filepath.Match(filter, name)
				if err != nil {
					return fmt.Errorf("invalid filter pattern: %w", err)
				}
				if !matched {
					return nil
				}
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// RunFiles loads and runs each scenario file.
func RunFiles(paths []string) *SuiteResult {
	out := &SuiteResult{Total: len(paths)}
	for _, path := range paths {
		scenario, err := LoadScenario(path)
		if err != nil {
			out.fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}
		result, err := Run(scenario)
		if err != nil {
			out.fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !result.Pass {
			out.fail(path, scenario.Name, result.Errors...)
			continue
		}
		out.Passed++
	}
	return out
}

func (r *SuiteResult) fail(path, name string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, SuiteFailure{Path: path, Name: name, Errors: errs})
}
