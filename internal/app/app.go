// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/markdave123-py/docindex/internal/config"
	"github.com/markdave123-py/docindex/internal/core"
	"github.com/markdave123-py/docindex/internal/core/bbox"
	db "github.com/markdave123-py/docindex/internal/core/database"
	"github.com/markdave123-py/docindex/internal/core/database/memdb"
	"github.com/markdave123-py/docindex/internal/core/indexer"
	"github.com/markdave123-py/docindex/internal/core/ingestion_engine"
	"github.com/markdave123-py/docindex/internal/core/llm"
	objectclient "github.com/markdave123-py/docindex/internal/core/object-client"
	"github.com/markdave123-py/docindex/internal/core/parser"
	"github.com/markdave123-py/docindex/internal/core/search"
	"github.com/markdave123-py/docindex/internal/core/tika"
	"github.com/markdave123-py/docindex/internal/models"
	"github.com/markdave123-py/docindex/internal/services"
)

type App struct {
	cfg          *config.Config
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Dispatcher   *ingestion_engine.Dispatcher
	Workers      *ingestion_engine.WorkerPool // nil when tasks only run inline
	Side         *ingestion_engine.SidePool
	Server       *Server

	closers []func() error
}

// modelClients groups the model-service clients built from config. Every
// field but sif may be nil.
type modelClients struct {
	sif    core.EmbeddingProvider
	dpr    core.EmbeddingProvider
	tagger *indexer.EntityTagger
	layout core.LayoutDetector
	llm    core.LLMProvider
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.initStores(appCtx); err != nil {
		return nil, err
	}

	engine, err := newSearchEngine(cfg)
	if err != nil {
		return nil, err
	}

	mc, err := a.initModels(appCtx)
	if err != nil {
		return nil, err
	}

	ix := indexer.New(a.DBClient, engine, nil, mc.sif, mc.dpr, mc.tagger, indexer.Options{
		FlattenMergedTables: cfg.FlattenMergedTables,
	})

	deps := ingestion_engine.Deps{
		DB:      a.DBClient,
		Objects: a.ObjectClient,
		Indexer: ix,
		BBoxes:  bbox.NewDetector(a.DBClient, a.ObjectClient),
		TikaOCR: cfg.TikaOCR,
	}
	a.Side = ingestion_engine.NewSidePool(cfg.SideTaskWorkers)
	deps.Side = a.Side

	var html parser.HTMLSource
	if cfg.TikaServerEndpoint != "" {
		tc := tika.NewClient(cfg.TikaServerEndpoint, cfg.TikaOCR)
		html = tc
		deps.OCR = tc
		log.Println("Tika client ready.")
	}
	if cfg.ParserURL != "" {
		remote := parser.NewRemoteParser(cfg.ParserURL)
		deps.Parser = remote
		deps.Thumbnailer = remote
		log.Println("Using the remote parser service.")
	} else {
		deps.Parser = parser.NewDocconvParser(false, html)
		log.Println("PARSER_URL not set, using the in-process docconv parser.")
	}
	if mc.llm != nil {
		deps.Templates = ingestion_engine.NewTemplateRunner(a.DBClient, mc.sif, mc.llm)
	}
	orchestrator := ingestion_engine.NewOrchestrator(deps)

	source := a.initQueue()

	a.Dispatcher.Register(models.TaskIngestion, orchestrator.HandleTask)
	a.Dispatcher.Register(models.TaskHTMLCrawling, ingestion_engine.NewCrawler(a.DBClient, a.ObjectClient, orchestrator).HandleTask)
	if mc.layout != nil {
		a.Dispatcher.Register(models.TaskYolo, ingestion_engine.NewYoloHandler(a.DBClient, a.ObjectClient, mc.layout).HandleTask)
	}
	if source != nil {
		a.Workers = ingestion_engine.NewWorkerPool(source, a.Dispatcher)
	}

	docs := services.NewDocumentService(a.DBClient, a.ObjectClient, a.Dispatcher, ix)
	workspaces := services.NewWorkspaceService(a.DBClient, a.ObjectClient, ix)
	a.Server = NewServer(cfg, docs, workspaces)

	ok = true
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.cfg
	if cfg.DatabaseURL != "" {
		client, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return err
		}
		a.DBClient = client
		a.closers = append(a.closers, client.Close)
		log.Println("Database initialized and ready.")
	} else {
		a.DBClient = memdb.New()
		log.Println("In-memory metadata store ready.")
	}

	switch cfg.StorageBackend {
	case "local":
		local, err := objectclient.NewLocalClient(cfg.LocalStorageDir, cfg.ScratchDir)
		if err != nil {
			return err
		}
		a.ObjectClient = local
	default:
		s3, err := objectclient.NewS3Client(ctx, cfg)
		if err != nil {
			return err
		}
		a.ObjectClient = s3
	}
	log.Printf("Object client (%s) initialized and ready.", cfg.StorageBackend)
	return nil
}

func newSearchEngine(cfg *config.Config) (core.SearchEngine, error) {
	if cfg.ESURL == "" {
		log.Println("WARN: ES_URL not set, matches are kept in memory")
		return search.NewMemoryEngine(), nil
	}
	return search.NewElasticEngine(cfg)
}

func (a *App) initModels(ctx context.Context) (*modelClients, error) {
	cfg := a.cfg
	if cfg.ModelServerURL == "" {
		return nil, fmt.Errorf("MODEL_SERVER_URL is required for sentence embeddings")
	}
	srv := llm.NewModelServer("model", cfg.ModelServerURL, cfg.ModelRPS, 3)
	mc := &modelClients{
		sif:    llm.NewSIFEncoder(srv),
		layout: llm.NewYoloClient(srv),
	}

	if cfg.DPREnabled() {
		switch cfg.DPRProvider {
		case "gemini":
			enc, err := llm.NewGeminiEncoder(ctx, cfg.AIAPIKey, cfg.DPRGeminiModel)
			if err != nil {
				return nil, fmt.Errorf("couldn't initialize the passage encoder, %w", err)
			}
			a.closers = append(a.closers, enc.Close)
			mc.dpr = enc
		default:
			url := cfg.DPRModelServerURL
			if url == "" {
				url = cfg.ModelServerURL
			}
			mc.dpr = llm.NewDPREncoder(llm.NewModelServer("dpr", url, cfg.ModelRPS, 1))
		}
	}

	var bio, bern2 core.EntityRecognizer
	if cfg.UseNLMBioNERModels && cfg.BioModelServerURL != "" {
		bio = llm.NewBioNERClient(llm.NewModelServer("bio", cfg.BioModelServerURL, cfg.ModelRPS, 3))
	}
	if cfg.UseBERN2NER && cfg.BERN2ServerURL != "" {
		bern2 = llm.NewBERN2Client(llm.NewModelServer("bern2", cfg.BERN2ServerURL, cfg.ModelRPS, 3))
	}
	dict, err := indexer.LoadDictionaries(cfg.NERDictionaries)
	if err != nil {
		return nil, fmt.Errorf("load NER dictionaries: %w", err)
	}
	mc.tagger = indexer.NewEntityTagger(llm.NewNERClient(srv), bio, bern2, dict)

	if cfg.AIAPIKey != "" {
		gen, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the LLM, %w", err)
		}
		a.closers = append(a.closers, gen.Close)
		mc.llm = gen
	} else {
		log.Println("WARN: GEMINI_API_KEY not set, field templates are not re-run")
	}
	return mc, nil
}

// initQueue builds the Dispatcher on the configured broker and returns the
// source workers drain, or nil when every task runs inline.
func (a *App) initQueue() core.TaskSource {
	switch a.cfg.QueueBackend {
	case "postgres":
		client, ok := a.DBClient.(*db.DatabaseClient)
		if !ok {
			log.Println("WARN: postgres queue needs DATABASE_URL, using the memory queue")
			break
		}
		q := db.NewTaskQueue(client)
		a.Dispatcher = ingestion_engine.NewDispatcher(a.DBClient, q)
		return q
	case "inline":
		a.Dispatcher = ingestion_engine.NewDispatcher(a.DBClient, ingestion_engine.InlineQueue{})
		return nil
	}
	q := ingestion_engine.NewMemoryQueue(64)
	a.Dispatcher = ingestion_engine.NewDispatcher(a.DBClient, q)
	return q
}

// Run starts the workers and the HTTP server and blocks until ctx is done,
// then drains both.
func (a *App) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	if a.Workers != nil {
		a.Workers.Start(workerCtx, a.cfg.WorkerCount)
		log.Printf("Started %d ingestion workers (%s queue).", a.cfg.WorkerCount, a.cfg.QueueBackend)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	stopWorkers()
	if a.Workers != nil {
		a.Workers.Wait()
	}
	a.Side.Wait()
	return runErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
	a.closers = nil
}
