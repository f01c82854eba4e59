// Package version carries build metadata for the chemgate gateway and its
// healthcheck helper. The link-time variables are set with
//
//	-ldflags "-X chemgate/internal/version.Version=v1.4.0 -X chemgate/internal/version.GitCommit=..."
package version

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

const unknown = "unknown"

var (
	Version   = unknown
	BuildDate = unknown
	GitCommit = unknown
)

// Info describes one running gateway process.
type Info struct {
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

var (
	once sync.Once
	info Info
)

// GetInfo returns the process metadata. The instance id is generated on the
// first call, so every log line and trace from one process shares it.
func GetInfo() Info {
	once.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = unknown
		}
		info = Info{
			Version:    orUnknown(Version),
			GitCommit:  orUnknown(GitCommit),
			BuildDate:  orUnknown(BuildDate),
			GoVersion:  runtime.Version(),
			InstanceID: uuid.NewString(),
			Hostname:   host,
		}
	})
	return info
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// ShortCommit is the first seven characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.GitCommit) > 7 && i.GitCommit != unknown {
		return i.GitCommit[:7]
	}
	return i.GitCommit
}

// LogAttrs are attached to every record written by the gateway logger.
func (i Info) LogAttrs() []any {
	return []any{
		slog.String("version", i.Version),
		slog.String("git_commit", i.ShortCommit()),
		slog.String("build_date", i.BuildDate),
		slog.String("instance_id", i.InstanceID),
	}
}

// UserAgent identifies an outgoing request made by a chemgate binary.
func (i Info) UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s)", binary, i.Version, i.GoVersion)
}

// String is printed by -version.
func (i Info) String() string {
	s := fmt.Sprintf("chemgate %s (%s, built %s)", i.Version, i.ShortCommit(), i.BuildDate)
	if i.GoVersion != "" {
		s += " " + i.GoVersion
	}
	return s
}
