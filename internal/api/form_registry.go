package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"platilloadmin/internal/metrics"
	"platilloadmin/internal/platillo"
)

var ErrFormNotFound = errors.New("api: form session not found")

// formSession is one mounted "new platillo" form.
type formSession struct {
	id       string
	form     *platillo.Form
	upload   *platillo.UploadCoordinator
	hub      *uploadHub
	lastSeen time.Time

	mu             sync.Mutex
	lastPhase      platillo.Phase
	resolvingSince time.Time
}

func (fs *formSession) close() {
	fs.upload.Close()
	fs.hub.Close()
}

type formFactory func(id string, hub *uploadHub) *formSession

// formRegistry keeps open sessions in memory and closes the ones idle for
// longer than ttl.
type formRegistry struct {
	mu      sync.RWMutex
	forms   map[string]*formSession
	ttl     time.Duration
	now     func() time.Time
	newForm formFactory
	cron    *cron.Cron
	log     *zap.Logger
	metrics *metrics.Metrics
}

func newFormRegistry(ttl time.Duration, newForm formFactory, m *metrics.Metrics, log *zap.Logger) *formRegistry {
	return &formRegistry{
		forms:   make(map[string]*formSession),
		ttl:     ttl,
		now:     time.Now,
		newForm: newForm,
		cron:    cron.New(),
		log:     log,
		metrics: m,
	}
}

func (r *formRegistry) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", func() { r.sweep() }); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("[forms] idle sweeper started", zap.Duration("ttl", r.ttl))
	return nil
}

func (r *formRegistry) open() *formSession {
	id := uuid.NewString()
	fs := r.newForm(id, newUploadHub(id, r.metrics, r.log))
	fs.lastSeen = r.now()

	r.mu.Lock()
	r.forms[id] = fs
	r.mu.Unlock()

	r.metrics.FormOpened()
	r.log.Info("[forms] opened", zap.String("form_id", id))
	return fs
}

func (r *formRegistry) get(id string) (*formSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.forms[id]
	if !ok {
		return nil, ErrFormNotFound
	}
	fs.lastSeen = r.now()
	return fs, nil
}

// touch marks the session active without looking it up by request.
func (r *formRegistry) touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fs, ok := r.forms[id]
	if !ok {
		return ErrFormNotFound
	}
	fs.lastSeen = r.now()
	return nil
}

// close unmounts the form. Pending URL resolutions are cancelled and their
// results dropped.
func (r *formRegistry) close(id string) error {
	r.mu.Lock()
	fs, ok := r.forms[id]
	if ok {
		delete(r.forms, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrFormNotFound
	}
	fs.close()
	r.metrics.FormClosed()
	r.log.Info("[forms] closed", zap.String("form_id", id))
	return nil
}

func (r *formRegistry) sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*formSession
	for id, fs := range r.forms {
		// An upload or URL resolution in flight keeps the session alive.
		if fs.lastSeen.Before(cutoff) && !fs.upload.Snapshot().Pending() {
			expired = append(expired, fs)
			delete(r.forms, id)
		}
	}
	r.mu.Unlock()

	for _, fs := range expired {
		fs.close()
		r.metrics.FormClosed()
		r.metrics.FormExpired()
		r.log.Info("[forms] expired", zap.String("form_id", fs.id))
	}
	return len(expired)
}

func (r *formRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forms)
}

// Stop halts the sweeper and closes every open session.
func (r *formRegistry) Stop() {
	<-r.cron.Stop().Done()

	r.mu.Lock()
	open := r.forms
	r.forms = make(map[string]*formSession)
	r.mu.Unlock()

	for _, fs := range open {
		fs.close()
		r.metrics.FormClosed()
	}
}
