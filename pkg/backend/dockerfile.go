package backend

import "fmt"

// imagePrefix namespaces all builder images produced by this tool.
const imagePrefix = "spectree.ops/"

// builderDockerfiles maps a target OS to the dockerfile for its builder
// base image: the distribution plus the minimal RPM build toolchain.
var builderDockerfiles = map[string]string{
	"epel10": `FROM rockylinux:10

RUN dnf install -y 'dnf-command(config-manager)'
RUN dnf config-manager --set-enabled crb appstream extras

# Install EPEL repository
RUN dnf install -y epel-release

# Install build dependencies
RUN dnf install -y bash bzip2 cpio diffutils findutils gawk glibc-minimal-langpack grep gzip info patch redhat-rpm-config rocky-release rpm-build sed tar unzip util-linux which xz
`,
}

// builderDockerfileForOS returns the base-image dockerfile for a target OS.
func builderDockerfileForOS(os string) (string, error) {
	df, ok := builderDockerfiles[os]
	if !ok {
		return "", fmt.Errorf("unsupported target OS %q (known: epel10)", os)
	}
	return df, nil
}

// depsDockerfile derives an image with the missing build requirements
// installed, optionally resolving them from the staged deps repo.
func depsDockerfile(baseImage, deps string, withDepsRepo bool) string {
	if withDepsRepo {
		return fmt.Sprintf(`FROM %s
COPY --from=deps / /deps
RUN dnf install --repofrompath=deps,file:///deps --setopt=deps.gpgcheck=0 --enablerepo=deps -y %s
RUN rm -rf /deps
`, baseImage, deps)
	}
	return fmt.Sprintf(`FROM %s
RUN dnf install -y %s
`, baseImage, deps)
}
