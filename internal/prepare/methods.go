package prepare

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/stevehiehn/tmtgo/internal/guest"
)

// Shell runs a script on the guest.
type Shell struct{}

func (s *Shell) Check(p Phase) error {
	if strings.TrimSpace(p.Script) == "" {
		return fmt.Errorf("shell: missing required field 'script'")
	}
	return nil
}

func (s *Shell) Apply(ctx context.Context, t Target, p Phase, base guest.Command) error {
	cmd := base
	cmd.Script = p.Script
	_, err := t.Execute(ctx, cmd)
	return err
}

func (s *Shell) DryRun(p Phase) string {
	return fmt.Sprintf("Would run script: %s", guest.Summarize(p.Script))
}

// Install installs packages with whichever package manager the guest has.
type Install struct{}

func (i *Install) Check(p Phase) error {
	if len(p.Package) == 0 {
		return fmt.Errorf("install: missing required field 'package'")
	}
	return nil
}

func (i *Install) Apply(ctx context.Context, t Target, p Phase, base guest.Command) error {
	cmd := base
	cmd.Script = InstallScript(p.Package)
	_, err := t.Execute(ctx, cmd)
	return err
}

func (i *Install) DryRun(p Phase) string {
	return fmt.Sprintf("Would install packages: %s", strings.Join(p.Package, ", "))
}

// InstallScript detects the package manager on the guest and installs pkgs.
func InstallScript(pkgs []string) string {
	quoted := make([]string, len(pkgs))
	for i, p := range pkgs {
		quoted[i] = guest.Quote(p)
	}
	list := strings.Join(quoted, " ")
	return `SUDO=; [ "$(id -u)" = 0 ] || SUDO=sudo
if command -v dnf >/dev/null 2>&1; then $SUDO dnf install -y ` + list + `
elif command -v yum >/dev/null 2>&1; then $SUDO yum install -y ` + list + `
elif command -v apt-get >/dev/null 2>&1; then DEBIAN_FRONTEND=noninteractive $SUDO apt-get install -y ` + list + `
elif command -v apk >/dev/null 2>&1; then $SUDO apk add ` + list + `
elif command -v zypper >/dev/null 2>&1; then $SUDO zypper --non-interactive install ` + list + `
else echo "no supported package manager found" >&2; exit 1
fi`
}

// File writes content to a path on the guest.
type File struct{}

func (f *File) Check(p Phase) error {
	if p.Path == "" {
		return fmt.Errorf("file: missing required field 'path'")
	}
	return nil
}

func (f *File) Apply(ctx context.Context, t Target, p Phase, base guest.Command) error {
	redirect := ">"
	if p.Append {
		redirect = ">>"
	}
	cmd := base
	cmd.Script = fmt.Sprintf("mkdir -p %s && printf '%%s' %s %s %s",
		guest.Quote(path.Dir(p.Path)), guest.Quote(p.Content), redirect, guest.Quote(p.Path))
	_, err := t.Execute(ctx, cmd)
	return err
}

func (f *File) DryRun(p Phase) string {
	if p.Append {
		return fmt.Sprintf("Would append %d bytes to %s", len(p.Content), p.Path)
	}
	return fmt.Sprintf("Would write %d bytes to %s", len(p.Content), p.Path)
}
