package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/ir"
)

// VersionInfo is printed by the version command.
type VersionInfo struct {
	Engine   string `json:"engine"`
	Protocol string `json:"protocol"`
	Module   string `json:"module,omitempty"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print engine and protocol versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersion()
			f := newFormatter(rootOpts, cmd)
			if f.Format == "json" {
				return f.Success(info)
			}
			return f.Success(fmt.Sprintf("lofi %s (protocol %s)", info.Engine, info.Protocol))
		},
	}
}

func currentVersion() VersionInfo {
	info := VersionInfo{Engine: ir.EngineVersion, Protocol: ir.ProtocolVersion}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Module = bi.Main.Version
	}
	return info
}
