package backend

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/runner"
)

// ErrDebugPrepare is the deliberate failure returned by debug-prepare
// mode: the build stops after source preparation and the container inputs
// are retained for inspection.
var ErrDebugPrepare = errors.New("debug-prepare: stopped after source preparation")

// listMissingDepsScript installs the SRPM into the mounted staging
// directory and prints the unresolved build requirements, one per line.
const listMissingDepsScript = `
rpm -D "_topdir /workspace/build" -i /workspace/srpm/*.src.rpm

list-missing-deps() {
    local param="-br"
    if ! rpmbuild -br 2>/dev/null ; then
        param="-bp"
    fi

    (rpmbuild ${param} "-D _topdir /workspace/build" /workspace/build/SPECS/*.spec 2>&1 || true) \
        | (grep -v ^error: || true) \
        | grep -E '([^ ]*) is needed by [^ ]+$' \
        | sed -E 's/[\t]/ /g' \
        | sed -E 's/ +(.*) is needed by [^ ]+$/\1/g'
}

list-missing-deps
`

// Docker builds inside a container: a builder base image for the target
// OS, a derived image with the package's build requirements installed
// (resolved from the staged deps repo where possible), then rpmbuild over
// the installed source.
type Docker struct {
	workDir      string
	debugPrepare bool
	logger       *zap.Logger
}

// DockerOptions configures the docker backend.
type DockerOptions struct {
	// DebugPrepare stops after the %prep phase, logs the prepared source
	// location, and fails the build on purpose so nothing is cleaned up.
	DebugPrepare bool
}

// NewDocker returns the container backend running in workDir.
func NewDocker(workDir string, opts DockerOptions, logger *zap.Logger) *Docker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Docker{workDir: workDir, debugPrepare: opts.DebugPrepare, logger: logger}
}

func (d *Docker) Name() string         { return "docker" }
func (d *Docker) WantsDepsRepo() bool  { return true }
func (d *Docker) LocalArtifacts() bool { return true }

func (d *Docker) Build(ctx context.Context, req *Request) error {
	if _, err := req.SRPM(ctx); err != nil {
		return &Failure{Backend: d.Name(), SourceKey: req.SourceKey, Err: err}
	}
	if err := d.build(ctx, req); err != nil {
		if errors.Is(err, ErrDebugPrepare) {
			return err
		}
		return &Failure{Backend: d.Name(), SourceKey: req.SourceKey, Err: err}
	}
	return nil
}

func (d *Docker) build(ctx context.Context, req *Request) error {
	if req.TargetOS == "" {
		return fmt.Errorf("docker backend requires a target OS")
	}
	d.logger.Info("using base OS", zap.String("target_os", req.TargetOS))

	dockerfile, err := builderDockerfileForOS(req.TargetOS)
	if err != nil {
		return err
	}
	image, err := d.ensureImage(ctx, req.TargetOS, dockerfile, "")
	if err != nil {
		return fmt.Errorf("base OS image: %w", err)
	}

	stagingDir := req.StagingDir
	inContainer := runner.New(d.workDir, d.logger).
		WithImage(image).
		WithMount(stagingDir, "/workspace")

	missing, err := inContainer.Output(ctx, listMissingDepsScript)
	if err != nil {
		return fmt.Errorf("detect missing build deps: %w", err)
	}

	deps := splitLines(missing)
	if len(deps) > 0 {
		d.logger.Info("installing build requirements", zap.Int("count", len(deps)))
		image, err = d.ensureDepsImage(ctx, image, deps, req.DepsDir)
		if err != nil {
			return err
		}
		d.logger.Info("building on image", zap.String("image", image))
		inContainer = runner.New(d.workDir, d.logger).
			WithImage(image).
			WithMount(stagingDir, "/workspace")
	}

	if d.debugPrepare {
		err := inContainer.Run(ctx, `rpmbuild -bp -D "_topdir /workspace/build" /workspace/build/SPECS/*.spec`)
		if err != nil {
			return fmt.Errorf("debug-prepare %%prep failed: %w", err)
		}
		d.logger.Info("debug-prepare: prepared sources retained",
			zap.String("path", stagingDir+"/build/BUILD"))
		return ErrDebugPrepare
	}

	if err := inContainer.Run(ctx, `rpmbuild -ba -D "_topdir /workspace/build" /workspace/build/SPECS/*.spec`); err != nil {
		return err
	}
	return nil
}

// ensureDepsImage derives (or reuses) an image with the given packages
// installed. The tag carries a digest of the sorted package list so the
// same requirement set always maps to the same image.
func (d *Docker) ensureDepsImage(ctx context.Context, baseImage string, deps []string, depsDir string) (string, error) {
	sort.Strings(deps)
	quoted := make([]string, len(deps))
	for i, dep := range deps {
		quoted[i] = fmt.Sprintf("%q", dep)
	}
	depList := strings.Join(quoted, " ")

	withRepo := depsDir != "" && hasStagedDeps(depsDir)
	digest := sha256.Sum256([]byte(depList))
	tag := fmt.Sprintf("%s-%x", strings.TrimPrefix(baseImage, imagePrefix), digest)

	buildArgs := "--layers=false"
	if withRepo {
		buildArgs = fmt.Sprintf("--layers=false --build-context deps=%s", runner.Quote(depsDir))
	}

	image, err := d.ensureImage(ctx, tag, depsDockerfile(baseImage, depList, withRepo), buildArgs)
	if err != nil {
		return "", fmt.Errorf("build deps image: %w", err)
	}
	return image, nil
}

// ensureImage builds the image from the dockerfile (fed on stdin) unless a
// matching tag already exists.
func (d *Docker) ensureImage(ctx context.Context, target, dockerfile, buildArgs string) (string, error) {
	image := target
	if !strings.HasPrefix(image, imagePrefix) {
		image = imagePrefix + image
	}

	sh := runner.New(d.workDir, d.logger)
	out, err := sh.Output(ctx, fmt.Sprintf("docker images -q %s", runner.Quote(image)))
	if err == nil && strings.TrimSpace(out) != "" {
		return image, nil
	}

	res, err := sh.Capture(ctx, fmt.Sprintf("docker build %s --no-cache -t %s -", buildArgs, runner.Quote(image)), dockerfile)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", imageBuildError(res.Stderr)
	}
	return image, nil
}

// imageBuildError extracts the actionable line from a failed image build,
// preferring the package resolver's "Unable to find a match" message.
func imageBuildError(stderr string) error {
	const marker = "Error: Unable to find a match: "
	for _, line := range strings.Split(stderr, "\n") {
		if i := strings.Index(line, marker); i >= 0 {
			pkg := strings.ReplaceAll(line[i+len(marker):], " \\t", " ")
			return fmt.Errorf("unable to find a match: %s", pkg)
		}
	}
	return fmt.Errorf("image build failed: %s", strings.TrimSpace(stderr))
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
