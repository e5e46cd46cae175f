// Package project reads OSS-Fuzz project metadata from a checkout of the
// oss-fuzz repository.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"b3cifuzz/internal/types"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrUnknownProject = errors.New("unknown project")

var (
	namePattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.+-]*$`)
	workdirRe         = regexp.MustCompile(`(?im)^\s*WORKDIR\s+([^\s]+)`)
	gitCloneRe        = regexp.MustCompile(`(?m)git\s+clone\b[^\n]*?\s((?:https?|git)://\S+|git@\S+)`)
	defaultSanitizers = []string{"address", "undefined"}
)

const defaultLanguage = "c++"

type ProjectYaml struct {
	Language   string        `yaml:"language"`
	MainRepo   string        `yaml:"main_repo"`
	Sanitizers sanitizerList `yaml:"sanitizers"`
}

// sanitizerList accepts both plain entries and the mapping form
// ("- memory: {experimental: true}") used by project.yaml.
type sanitizerList []string

func (s *sanitizerList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("sanitizers: expected a list, got %v", value.Tag)
	}
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			*s = append(*s, item.Value)
		case yaml.MappingNode:
			for i := 0; i+1 < len(item.Content); i += 2 {
				*s = append(*s, item.Content[i].Value)
			}
		default:
			return fmt.Errorf("sanitizers: unexpected entry at line %d", item.Line)
		}
	}
	return nil
}

// Catalog resolves project names against <ossFuzzDir>/projects.
type Catalog struct {
	ossFuzzDir string
	logger     *zap.Logger
}

func NewCatalog(ossFuzzDir string, logger *zap.Logger) *Catalog {
	return &Catalog{ossFuzzDir, logger.Named("project")}
}

func (c *Catalog) Dir(name string) string {
	return filepath.Join(c.ossFuzzDir, "projects", name)
}

// Load returns the metadata of project name. Unknown or malformed names
// yield ErrUnknownProject.
func (c *Catalog) Load(name string) (types.Project, error) {
	if !namePattern.MatchString(name) {
		return types.Project{}, fmt.Errorf("%w: invalid name %q", ErrUnknownProject, name)
	}
	dir := c.Dir(name)

	content, err := os.ReadFile(filepath.Join(dir, "project.yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return types.Project{}, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	if err != nil {
		return types.Project{}, fmt.Errorf("failed to read project.yaml: %w", err)
	}

	var projectYaml ProjectYaml
	if err := yaml.Unmarshal(content, &projectYaml); err != nil {
		return types.Project{}, fmt.Errorf("failed to parse project.yaml of %s: %w", name, err)
	}

	project := types.Project{
		Name:       name,
		Language:   projectYaml.Language,
		MainRepo:   projectYaml.MainRepo,
		Sanitizers: []string(projectYaml.Sanitizers),
	}
	if project.Language == "" {
		project.Language = defaultLanguage
	}
	if len(project.Sanitizers) == 0 {
		project.Sanitizers = append([]string(nil), defaultSanitizers...)
	}

	dockerfile, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		c.logger.Warn("failed to read Dockerfile", zap.String("project", name), zap.Error(err))
	}
	if project.MainRepo == "" {
		project.MainRepo = guessMainRepo(dockerfile, name)
	}
	if workdir, ok := guessWorkDir(dockerfile); ok {
		project.SrcPath = workdir
	} else {
		project.SrcPath = filepath.Join("/src", name)
	}

	c.logger.Debug("project loaded",
		zap.String("project", name),
		zap.String("language", project.Language),
		zap.String("main_repo", project.MainRepo),
		zap.String("src_path", project.SrcPath))
	return project, nil
}

// guessWorkDir takes the last WORKDIR of the Dockerfile, with $SRC expanded.
func guessWorkDir(dockerfile []byte) (string, bool) {
	matches := workdirRe.FindAllSubmatch(dockerfile, -1)
	if len(matches) == 0 {
		return "", false
	}
	workdir := string(matches[len(matches)-1][1])
	workdir = strings.ReplaceAll(workdir, "$SRC", "/src")
	workdir = strings.ReplaceAll(workdir, "${SRC}", "/src")

	// relative workdirs live under /src
	if !strings.HasPrefix(workdir, "/") {
		workdir = filepath.Join("/src", workdir)
	}
	return filepath.Clean(workdir), true
}

// guessMainRepo picks the cloned repository named like the project, or the
// first one cloned.
func guessMainRepo(dockerfile []byte, name string) string {
	var first string
	for _, m := range gitCloneRe.FindAllSubmatch(dockerfile, -1) {
		url := string(m[1])
		if first == "" {
			first = url
		}
		if RepoName(url) == name {
			return url
		}
	}
	return first
}

// RepoName is the last path element of a repository URL without ".git".
func RepoName(url string) string {
	url = strings.TrimRight(url, "/")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return strings.TrimSuffix(url, ".git")
}
