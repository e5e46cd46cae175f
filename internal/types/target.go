package types

// project metadata, immutable for the duration of a run
type Project struct {
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	MainRepo   string   `json:"main_repo"`
	Sanitizers []string `json:"sanitizers"`
	SrcPath    string   `json:"src_path"` // repository path inside the build image, e.g. /src/curl
}

// a fuzz target is an executable in the build output directory
type FuzzTarget struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Project string `json:"project"`
}

type BuildArtifacts struct {
	OutDir  string
	Targets []FuzzTarget
}

func (a BuildArtifacts) TargetNames() []string {
	names := make([]string, 0, len(a.Targets))
	for _, t := range a.Targets {
		names = append(names, t.Name)
	}
	return names
}
