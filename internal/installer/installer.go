// Package installer applies downloaded artifacts to the device payload
// directory with rollback on failure.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/ihiteshgupta/update-agent/internal/agent"
)

const (
	// Staging directory name within the install root.
	stagingDirName = "staging"
	// Installed payload name.
	currentName = "current"
	// Backup suffix for the previous payload.
	backupSuffix = ".old"
	// File recording the installed artifact name.
	nameFile = "artifact_name"
	// Permission for directories created under the root.
	dirPerm = 0o755
)

// ErrChecksum is returned when an artifact does not match its checksum.
var ErrChecksum = errors.New("checksum mismatch")

// Installer replaces root/current with downloaded artifacts.
type Installer struct {
	root     string
	fallback string
	log      *slog.Logger

	// onStaged runs once the artifact is staged and verified.
	onStaged func()

	mu sync.Mutex
}

// New creates an installer for root. fallback is reported by Installed until
// an artifact has been installed.
func New(root, fallback string) *Installer {
	return &Installer{
		root:     root,
		fallback: fallback,
		log:      slog.Default().With("component", "installer"),
	}
}

func (i *Installer) stagingDir() string {
	return filepath.Join(i.root, stagingDirName)
}

func (i *Installer) currentPath() string {
	return filepath.Join(i.root, currentName)
}

func (i *Installer) namePath() string {
	return filepath.Join(i.root, nameFile)
}

// CanInstall reports whether the install root (or the directory it will be
// created in) is writable.
func (i *Installer) CanInstall() bool {
	dir := i.root
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}

	if err := unix.Access(dir, unix.W_OK); err != nil {
		i.log.Debug("install root is not writable", "path", dir, "error", err)
		return false
	}
	return true
}

// Installed returns the name of the installed artifact.
func (i *Installer) Installed() string {
	data, err := os.ReadFile(i.namePath())
	if err != nil {
		return i.fallback
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return i.fallback
	}
	return name
}

// Install verifies a, stages it and swaps it in as the current payload. On
// failure the previous payload is left in place. ctx is honoured up to the
// swap; once the backup rename starts the install runs to completion.
func (i *Installer) Install(ctx context.Context, a *agent.Artifact) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	stagingDir := i.stagingDir()
	if err := os.MkdirAll(stagingDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	staged := filepath.Join(stagingDir, currentName)
	size, sum, err := stage(ctx, a.Path, staged)
	if err != nil {
		return err
	}
	if a.Checksum != "" && !strings.EqualFold(sum, a.Checksum) {
		return fmt.Errorf("%w: want %s, got %s", ErrChecksum, a.Checksum, sum)
	}
	if i.onStaged != nil {
		i.onStaged()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	current := i.currentPath()
	backup := current + backupSuffix

	i.log.Info("applying artifact",
		"artifact", a.Name,
		"deployment", a.DeploymentID,
		"size", humanize.Bytes(uint64(size)),
	)

	// Step 1: Remove old backup if exists.
	_ = os.RemoveAll(backup)

	// Step 2: Move the current payload aside.
	hadCurrent := true
	if err := os.Rename(current, backup); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to back up current payload: %w", err)
		}
		hadCurrent = false
	}

	restore := func() {
		if !hadCurrent {
			_ = os.RemoveAll(current)
			return
		}
		_ = os.RemoveAll(current)
		if err := os.Rename(backup, current); err != nil {
			i.log.Error("failed to restore backup after install failure", "error", err)
		}
	}

	// Step 3: Swap the staged payload in.
	if err := os.Rename(staged, current); err != nil {
		restore()
		return fmt.Errorf("failed to install payload: %w", err)
	}

	// Step 4: Record what is installed.
	if err := writeName(i.namePath(), a.Name); err != nil {
		restore()
		return fmt.Errorf("failed to record artifact name: %w", err)
	}

	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		i.log.Warn("failed to remove downloaded artifact", "path", a.Path, "error", err)
	}

	i.log.Info("artifact installed", "artifact", a.Name, "path", current)
	return nil
}

// stage copies src to dst and returns its size and hex SHA-256.
func stage(ctx context.Context, src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create staged payload: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), &ctxReader{ctx: ctx, r: in})
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func writeName(path, name string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(name+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
