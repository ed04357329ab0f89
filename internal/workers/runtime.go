// Package workers starts, stops and reconciles the per-chat worker
// containers. The Supervisor owns the lifecycle end to end: database row,
// config bundle on disk, container in the engine.
package workers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Worker container kinds, stamped into the type label and the MODE env
// of the container.
const (
	TypeLogger   = "logger"
	TypeListener = "listener"
)

// Resource caps applied to every worker container.
const (
	memoryReservationBytes = 128 * 1024 * 1024
	memoryLimitBytes       = 256 * 1024 * 1024
	workerNanoCPUs         = 500_000_000 // half a core, hard
	workerCPUShares        = 256         // quarter of the default weight
	workerPidsLimit        = 50
)

// ErrNotFound reports that the named container does not exist.
var ErrNotFound = errors.New("container not found")

// ContainerSpec is everything the runtime needs to launch one worker.
type ContainerSpec struct {
	Name      string
	Image     string
	Env       []string
	Labels    map[string]string
	BundleDir string // host path, mounted read-only at MountPath
}

// ContainerState is the runtime's view of one container.
type ContainerState struct {
	ID       string
	Name     string
	Status   string // created, running, exited, dead, ...
	Running  bool
	ExitCode int
}

// ContainerInfo is one row of a label-filtered listing.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// Runtime is the container engine as the supervisor sees it. The Docker
// implementation lives in this package; tests script a fake.
type Runtime interface {
	// Launch creates and starts a container. A leftover container under
	// the same name is force-removed first: names are deterministic, so
	// whatever holds the name belongs to a row that stopped being the
	// truth.
	Launch(ctx context.Context, spec ContainerSpec) (string, error)
	// Stop signals SIGTERM, waits up to grace, then kills. Stopping an
	// absent container succeeds.
	Stop(ctx context.Context, name string, grace time.Duration) error
	// Remove force-removes the container. Removing an absent container
	// succeeds.
	Remove(ctx context.Context, name string) error
	// Inspect returns ErrNotFound when the container does not exist.
	Inspect(ctx context.Context, name string) (*ContainerState, error)
	// Signal delivers a named signal ("HUP", "TERM") to pid 1.
	Signal(ctx context.Context, name, signal string) error
	// List returns containers in any state matching all given labels; an
	// empty label value matches on key presence alone.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error
}

// LoggingContainerName derives the deterministic name of a logging
// worker. Only the digits of the chat id survive, so -1001234567890 and
// 1001234567890 map to the same container.
func LoggingContainerName(project string, userID, chatID int64) string {
	return fmt.Sprintf("%s-log-%d-%s", project, userID, safeChatID(chatID))
}

// ListenerContainerName derives the deterministic name of a listener
// worker from its row id and source chat title.
func ListenerContainerName(project string, userID, listenerID int64, sourceTitle string) string {
	return fmt.Sprintf("%s-listener-%d-%d-%s", project, userID, listenerID, safeSource(sourceTitle))
}

func safeChatID(chatID int64) string {
	return strings.TrimPrefix(strconv.FormatInt(chatID, 10), "-")
}

// safeSource squeezes a chat title into a Docker-safe name fragment:
// lowercase, runs of anything outside [a-z0-9_-] collapse to a single
// underscore, at most 30 characters.
func safeSource(title string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			pendingSep = false
		default:
			if !pendingSep {
				b.WriteByte('_')
			}
			pendingSep = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 30 {
		out = strings.Trim(out[:30], "_")
	}
	if out == "" {
		return "chat"
	}
	return out
}
