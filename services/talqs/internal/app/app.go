package app

import (
	"errors"
	"time"

	"talqs/pkg/ai"
	"talqs/pkg/docstore"
	"talqs/pkg/extract"
	"talqs/pkg/queue"
	"talqs/pkg/storage"
	"talqs/pkg/store"
)

// Config holds the collaborators of the core application. Nil fields other
// than Sessions fall back to in-process implementations.
type Config struct {
	Store      store.Store
	Sessions   store.SessionStore
	Docs       docstore.Store
	Archive    storage.Archive
	Queue      queue.JobQueue
	Extractor  *extract.Extractor
	Summarizer *ai.FallbackSummarizer
	Answerer   *ai.FallbackAnswerer
	Questions  ai.QuestionLister

	MaxUploadBytes int64
}

// App implements the document, question-answering, conversation and
// account use cases.
type App struct {
	store      store.Store
	sessions   store.SessionStore
	docs       docstore.Store
	archive    storage.Archive
	queue      queue.JobQueue
	extractor  *extract.Extractor
	summarizer *ai.FallbackSummarizer
	answerer   *ai.FallbackAnswerer
	questions  ai.QuestionLister
	maxUpload  int64
	now        func() time.Time
}

const defaultMaxUploadBytes = 10 << 20

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	a := &App{
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		docs:       cfg.Docs,
		archive:    cfg.Archive,
		queue:      cfg.Queue,
		extractor:  cfg.Extractor,
		summarizer: cfg.Summarizer,
		answerer:   cfg.Answerer,
		questions:  cfg.Questions,
		maxUpload:  cfg.MaxUploadBytes,
		now:        time.Now,
	}
	if a.store == nil {
		a.store = store.NewMemoryStore()
	}
	if a.docs == nil {
		a.docs = docstore.NewMemoryStore(docstore.MemoryOptions{})
	}
	if a.queue == nil {
		a.queue = queue.NewMemoryJobQueue(0, 0, time.Second)
	}
	if a.extractor == nil {
		a.extractor = extract.New()
	}
	if a.summarizer == nil {
		a.summarizer = &ai.FallbackSummarizer{}
	}
	if a.answerer == nil {
		a.answerer = &ai.FallbackAnswerer{}
	}
	if a.maxUpload <= 0 {
		a.maxUpload = defaultMaxUploadBytes
	}
	return a, nil
}

// Queue exposes the bulk-answer job queue to the worker.
func (a *App) Queue() queue.JobQueue {
	return a.queue
}
