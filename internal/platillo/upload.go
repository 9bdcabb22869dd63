package platillo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the state of the image upload pipeline.
//
//	idle -> uploading -> awaiting_url -> ready
//	           |              |
//	           +-> failed <---+
//
// A new upload may start from any phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseUploading   Phase = "uploading"
	PhaseAwaitingURL Phase = "awaiting_url"
	PhaseReady       Phase = "ready"
	PhaseFailed      Phase = "failed"
)

// UploadState is transient and never persisted.
type UploadState struct {
	Phase           Phase  `json:"phase"`
	InProgress      bool   `json:"inProgress"`
	ProgressPercent int    `json:"progressPercent"`
	ResolvedURL     string `json:"resolvedUrl"`
	FileID          string `json:"fileId,omitempty"`
}

// Pending reports whether an upload is running or its URL is still resolving.
func (s UploadState) Pending() bool {
	return s.Phase == PhaseUploading || s.Phase == PhaseAwaitingURL
}

// ImagePolicy decides how the upload state gates submission.
type ImagePolicy string

const (
	// ImageOptional allows submitting without an image but not while one is
	// still uploading or resolving.
	ImageOptional ImagePolicy = "optional"
	// ImageRequired only allows submitting once the image URL is resolved.
	ImageRequired ImagePolicy = "required"
	// ImageUnguarded never blocks; an unresolved image is saved as empty.
	ImageUnguarded ImagePolicy = "unguarded"
)

func ParseImagePolicy(raw string) (ImagePolicy, error) {
	switch p := ImagePolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return ImageOptional, nil
	case ImageOptional, ImageRequired, ImageUnguarded:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Gate returns nil when a submission may use this state under policy p.
func (s UploadState) Gate(p ImagePolicy) error {
	switch p {
	case ImageUnguarded:
		return nil
	case ImageRequired:
		if s.Phase == PhaseReady {
			return nil
		}
		if s.Pending() {
			return ErrUploadPending
		}
		return ErrImageRequired
	default:
		if s.Pending() {
			return ErrUploadPending
		}
		return nil
	}
}

// URLResolver turns an uploaded object into a durable download URL.
type URLResolver interface {
	ResolveDownloadURL(ctx context.Context, container, fileID string) (string, error)
}

// UploadListener observes every state change. Listeners run while the
// coordinator lock is held and must not call back into the coordinator.
type UploadListener func(UploadState)

// UploadCoordinator receives the lifecycle callbacks of the upload widget and
// resolves the download URL once the object is stored.
type UploadCoordinator struct {
	mu        sync.Mutex
	state     UploadState
	attempt   uint64
	listeners []UploadListener

	resolver  URLResolver
	container string
	timeout   time.Duration
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUploadCoordinator(resolver URLResolver, container string, timeout time.Duration, log *zap.Logger) *UploadCoordinator {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UploadCoordinator{
		state:     UploadState{Phase: PhaseIdle},
		resolver:  resolver,
		container: container,
		timeout:   timeout,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (u *UploadCoordinator) Subscribe(l UploadListener) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.listeners = append(u.listeners, l)
}

func (u *UploadCoordinator) Snapshot() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// BeginUpload starts a new attempt unless one is already transferring.
func (u *UploadCoordinator) BeginUpload() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Phase == PhaseUploading {
		return ErrUploadInProgress
	}
	u.startLocked()
	return nil
}

func (u *UploadCoordinator) OnUploadStart() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.startLocked()
}

func (u *UploadCoordinator) startLocked() {
	u.attempt++
	u.state = UploadState{Phase: PhaseUploading, InProgress: true}
	u.notifyLocked()
}

// OnProgress records the latest reported percentage, even if lower than a
// previous one.
func (u *UploadCoordinator) OnProgress(percent int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Phase != PhaseUploading {
		return
	}
	u.state.ProgressPercent = clampPercent(percent)
	u.notifyLocked()
}

// OnUploadError ends the attempt. There is no retry; the user picks the file again.
func (u *UploadCoordinator) OnUploadError(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.log.Warn("[upload] failed", zap.Error(err), zap.Uint64("attempt", u.attempt))
	u.state.Phase = PhaseFailed
	u.state.InProgress = false
	u.state.ResolvedURL = ""
	u.notifyLocked()
}

// OnUploadSuccess marks the transfer done and resolves the download URL in the
// background. The URL becomes visible only once resolution completes.
func (u *UploadCoordinator) OnUploadSuccess(fileID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Phase != PhaseUploading {
		u.log.Warn("[upload] success outside an active upload", zap.String("file_id", fileID), zap.String("phase", string(u.state.Phase)))
		return
	}
	u.state.Phase = PhaseAwaitingURL
	u.state.InProgress = false
	u.state.ProgressPercent = 100
	u.state.FileID = fileID
	u.notifyLocked()

	u.wg.Add(1)
	go u.resolve(u.attempt, fileID)
}

func (u *UploadCoordinator) resolve(attempt uint64, fileID string) {
	defer u.wg.Done()

	ctx, cancel := u.ctx, context.CancelFunc(func() {})
	if u.timeout > 0 {
		ctx, cancel = context.WithTimeout(u.ctx, u.timeout)
	}
	defer cancel()

	url, err := u.resolver.ResolveDownloadURL(ctx, u.container, fileID)

	u.mu.Lock()
	defer u.mu.Unlock()
	if attempt != u.attempt || u.state.Phase != PhaseAwaitingURL {
		u.log.Debug("[upload] discarding stale url resolution", zap.String("file_id", fileID))
		return
	}
	if err != nil {
		u.log.Warn("[upload] url resolution failed", zap.String("file_id", fileID), zap.Error(err))
		u.state.Phase = PhaseFailed
		u.notifyLocked()
		return
	}
	u.log.Info("[upload] image ready", zap.String("file_id", fileID), zap.String("url", url))
	u.state.Phase = PhaseReady
	u.state.ResolvedURL = url
	u.notifyLocked()
}

// Wait blocks until in-flight URL resolutions have finished.
func (u *UploadCoordinator) Wait() {
	u.wg.Wait()
}

// Close cancels pending resolutions and waits for them to return.
func (u *UploadCoordinator) Close() {
	u.cancel()
	u.wg.Wait()
}

func (u *UploadCoordinator) notifyLocked() {
	for _, l := range u.listeners {
		l(u.state)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
