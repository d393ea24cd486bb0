package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// search engine and model services
	ESURL               string
	ESSecret            string
	ModelServerURL      string
	DPRModelServerURL   string
	BioModelServerURL   string
	UseDPR              bool
	IndexDPR            bool
	UseQAType           bool
	UseNLMBioNERModels  bool
	UseBERN2NER         bool
	BERN2ServerURL      string
	NERDictionaries     []string
	TikaOCR             bool
	TikaServerEndpoint  string
	ModelRPS            float64
	FlattenMergedTables bool

	// storage
	DatabaseURL     string
	SslCertPath     string
	StorageBackend  string
	LocalStorageDir string
	AwsAccessKey    string
	AwsSecretKey    string
	AwsRegion       string
	BucketName      string
	ScratchDir      string

	// parser and LLM
	ParserURL      string
	AIAPIKey       string
	GenModel       string
	DPRProvider    string
	DPRGeminiModel string

	// workers
	QueueBackend    string
	WorkerCount     int
	SideTaskWorkers int

	JWTSecret string
	Port      string
}

// LoadConfig loads the environment variables and return config
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := &Config{
		ESURL:               getEnv("ES_URL", ""),
		ESSecret:            getEnv("ES_SECRET", ""),
		ModelServerURL:      getEnv("MODEL_SERVER_URL", ""),
		DPRModelServerURL:   getEnv("DPR_MODEL_SERVER_URL", ""),
		BioModelServerURL:   getEnv("BIO_MODEL_SERVER_URL", ""),
		UseDPR:              getEnvBool("USE_DPR", false),
		IndexDPR:            getEnvBool("INDEX_DPR", false),
		UseQAType:           getEnvBool("USE_QATYPE", false),
		UseNLMBioNERModels:  getEnvBool("USE_NLM_BIO_NER_MODELS", false),
		UseBERN2NER:         getEnvBool("USE_BERN2_NER", false),
		BERN2ServerURL:      getEnv("BERN2_SERVER_URL", ""),
		NERDictionaries:     getEnvList("NER_DICTIONARIES"),
		TikaOCR:             getEnvBool("TIKA_OCR", false),
		TikaServerEndpoint:  getEnv("TIKA_SERVER_ENDPOINT", ""),
		ModelRPS:            getEnvFloat("MODEL_RPS", 20),
		FlattenMergedTables: getEnvBool("FLATTEN_MERGED_TABLE", true),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		SslCertPath:     getEnv("SSL_CERT_PATH", ""),
		StorageBackend:  getEnv("STORAGE_BACKEND", "s3"),
		LocalStorageDir: getEnv("LOCAL_STORAGE_DIR", "./data/objects"),
		AwsAccessKey:    getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey:    getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:       getEnv("AWS_REGION", "us-east-2"),
		BucketName:      getEnv("BUCKET_NAME", "docindex-docs"),
		ScratchDir:      getEnv("SCRATCH_DIR", os.TempDir()),

		ParserURL:      getEnv("PARSER_URL", ""),
		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),
		DPRProvider:    getEnv("DPR_PROVIDER", "model_server"),
		DPRGeminiModel: getEnv("DPR_GEMINI_MODEL", "text-embedding-004"),

		QueueBackend:    getEnv("QUEUE_BACKEND", "memory"),
		WorkerCount:     getEnvInt("WORKER_COUNT", 2),
		SideTaskWorkers: getEnvInt("SIDE_TASK_WORKERS", 4),

		JWTSecret: getEnv("JWT_SECRET", ""),
		Port:      getEnv("PORT", "8080"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("WARN: DATABASE_URL not set, using the in-memory metadata store")
	}
	if cfg.QueueBackend == "postgres" && cfg.DatabaseURL == "" {
		log.Println("WARN: QUEUE_BACKEND=postgres needs DATABASE_URL, falling back to memory")
		cfg.QueueBackend = "memory"
	}

	return cfg
}

// DPREnabled reports whether passage embeddings are produced at all.
func (c *Config) DPREnabled() bool {
	return c.UseDPR && c.IndexDPR
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %v", key, v, def)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(getEnv(key, ""))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		log.Printf("WARN: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

// getEnvList splits a whitespace-separated value.
func getEnvList(key string) []string {
	return strings.Fields(getEnv(key, ""))
}
