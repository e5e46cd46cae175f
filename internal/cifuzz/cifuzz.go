// Package cifuzz ties checkout, build, selection, verification and fuzzing
// together into the two steps a CI job runs.
package cifuzz

import (
	"context"

	"b3cifuzz/config"
	"b3cifuzz/internal/buildenv"
	"b3cifuzz/internal/checkout"
	"b3cifuzz/internal/fuzz"
	"b3cifuzz/internal/types"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	OutDirName       = "out"
	SrcDirName       = "src"
	defaultSanitizer = "address"
)

type ProjectCatalog interface {
	Load(name string) (types.Project, error)
}

type SourceCheckout interface {
	Checkout(ctx context.Context, req checkout.Request) (types.ChangeSet, error)
}

type TargetSelector interface {
	Select(ctx context.Context, candidates []types.FuzzTarget, changes types.ChangeSet, project types.Project) []types.FuzzTarget
}

type BuildVerifier interface {
	Verify(ctx context.Context, outDir, sanitizer string) bool
}

type FuzzEngine interface {
	Run(ctx context.Context, req fuzz.RunRequest) (runSuccess, bugFound bool)
}

type CIFuzz struct {
	catalog  ProjectCatalog
	checkout SourceCheckout
	env      buildenv.Environment
	selector TargetSelector
	verifier BuildVerifier
	engine   FuzzEngine
	config   *config.AppConfig
	logger   *zap.Logger
}

type CIFuzzParams struct {
	fx.In

	Catalog   ProjectCatalog
	Checkout  SourceCheckout
	Env       buildenv.Environment
	Selector  TargetSelector
	Verifier  BuildVerifier
	Engine    FuzzEngine
	AppConfig *config.AppConfig
	Logger    *zap.Logger
}

func NewCIFuzz(p CIFuzzParams) *CIFuzz {
	return &CIFuzz{
		p.Catalog,
		p.Checkout,
		p.Env,
		p.Selector,
		p.Verifier,
		p.Engine,
		p.AppConfig,
		p.Logger.Named("cifuzz"),
	}
}

func sanitizerOrDefault(sanitizer string) string {
	if sanitizer == "" {
		return defaultSanitizer
	}
	return sanitizer
}
