// Package frps implements C7: binary provisioning, TOML config
// generation, subprocess supervision, and the admin-API client for the
// external frps tunnel daemon. Grounded on the teacher's ota.go for the
// download/apply shape and executil.Runner for subprocess boundaries;
// the process-lifecycle state machine itself has no direct teacher
// analog and is built from spec §4.7 using stdlib os/exec, since no
// example repo carries a process-supervisor library.
package frps

import (
	"fmt"
	"strings"

	"github.com/lieyanc/FireFrp/internal/config"
)

// renderConfig renders the TOML document of spec §6.3 for the given
// frps and port-range configuration, with the plugin callback pointed
// at this process's own serverPort.
//
// Go's %q already emits exactly the TOML basic-string escapes for
// backslash, double quote, newline, carriage return, and tab, so
// string fields are passed to it raw. Escaping them first and then
// applying %q would escape the escapes.
func renderConfig(cfg *config.Config) string {
	f := cfg.Frps
	var b strings.Builder

	fmt.Fprintf(&b, "bindAddr = %q\n", f.BindAddr)
	fmt.Fprintf(&b, "bindPort = %d\n\n", f.BindPort)

	b.WriteString("[auth]\n")
	b.WriteString("method = \"token\"\n")
	fmt.Fprintf(&b, "token  = %q\n\n", f.AuthToken)

	b.WriteString("[webServer]\n")
	fmt.Fprintf(&b, "addr     = %q\n", f.AdminAddr)
	fmt.Fprintf(&b, "port     = %d\n", f.AdminPort)
	fmt.Fprintf(&b, "user     = %q\n", f.AdminUser)
	fmt.Fprintf(&b, "password = %q\n\n", f.AdminPassword)

	fmt.Fprintf(&b, "allowPorts = [{ start = %d, end = %d }]\n", cfg.PortRangeStart, cfg.PortRangeEnd)
	b.WriteString("maxPortsPerClient = 1\n\n")

	b.WriteString("[[httpPlugins]]\n")
	b.WriteString("name = \"firefrp-manager\"\n")
	fmt.Fprintf(&b, "addr = \"127.0.0.1:%d\"\n", cfg.ServerPort)
	b.WriteString("path = \"/frps-plugin/handler\"\n")
	b.WriteString("ops  = [\"Login\", \"NewProxy\", \"CloseProxy\", \"Ping\"]\n")

	return b.String()
}
