package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/amicahealth/amica/internal/genai"
	"github.com/amicahealth/amica/internal/lockfile"
	"github.com/amicahealth/amica/internal/protocol"
	"github.com/amicahealth/amica/internal/session"
	"github.com/amicahealth/amica/internal/store"
	"github.com/amicahealth/amica/internal/triage"
	"github.com/amicahealth/amica/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for amica state data
	DefaultStateDir = "/var/lib/amica"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "amica.db"
	// DefaultProtocolDir is the default directory holding assessment
	// protocols and crisis resources
	DefaultProtocolDir = "protocols"
	// DefaultUserID identifies the local console user
	DefaultUserID = "local"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("amica failed to run", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.Info("amica exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	ProtocolDir string
	OpenAIKey   string
	OpenAIModel string
	UserID      string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	protocolDir *string
	openaiKey   *string
	openaiModel *string
	userID      *string
}

// initializeLogger sets up structured logging on stderr, keeping stdout for
// the conversation itself.
func initializeLogger() {
	level := util.ParseLogLevel(os.Getenv("AMICA_LOG_LEVEL"), slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("AMICA_STATE_DIR"),
		ProtocolDir: os.Getenv("AMICA_PROTOCOL_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		UserID:      os.Getenv("AMICA_USER"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AMICA_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ProtocolDir == "" {
		config.ProtocolDir = DefaultProtocolDir
	}
	if config.UserID == "" {
		config.UserID = DefaultUserID
	}

	// If no database URL is provided, default to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AMICA_STATE_DIR", config.StateDir,
		"AMICA_PROTOCOL_DIR", config.ProtocolDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"AMICA_USER", config.UserID)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for amica data (overrides $AMICA_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN: postgres:// URL or SQLite file path (overrides $DATABASE_URL)"),
		protocolDir: flag.String("protocol-dir", config.ProtocolDir, "directory with *_protocol.json and crisis_resources.json (overrides $AMICA_PROTOCOL_DIR)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		userID:      flag.String("user", config.UserID, "user identifier for session history (overrides $AMICA_USER)"),
	}
	flag.Parse()
	return flags
}

// openStore selects a backend by DSN shape: postgres URLs get the Postgres
// store, anything else is treated as a SQLite file path.
func openStore(dsn string) (store.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func run(flags Flags) error {
	// Only one instance may use a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}

	protocols, err := protocol.LoadDir(*flags.protocolDir)
	if err != nil {
		return fmt.Errorf("failed to load assessment protocols: %w", err)
	}
	resourceSets, err := protocol.LoadCrisisResources(filepath.Join(*flags.protocolDir, protocol.CrisisResourcesFileName))
	if err != nil {
		return fmt.Errorf("failed to load crisis resources: %w", err)
	}

	manager := session.NewManager(client, protocols, triage.NewResourceDirectory(resourceSets), st)
	return chatLoop(manager, *flags.userID)
}

// chatLoop reads user messages from stdin and streams replies to stdout
// until EOF or /quit.
func chatLoop(manager *session.Manager, userID string) error {
	ctx := context.Background()

	sess, err := manager.GetOrCreate(userID)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	slog.Info("chat session ready", "userID", userID, "sessionID", sess.ID())

	fmt.Println("amica is ready. Type /quit to end the session, /state for session state, /reset to start over.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit":
			rec, err := manager.EndSession(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to end session: %w", err)
			}
			fmt.Printf("Session saved (%d messages). Take care.\n", rec.InteractionCount)
			return scanner.Err()
		case "/state":
			printState(sess)
			continue
		case "/reset":
			sess.Reset()
			fmt.Println("Conversation cleared.")
			continue
		}

		if _, err := sess.ProcessMessage(ctx, line, func(delta string) { fmt.Print(delta) }); err != nil {
			slog.Error("message processing failed", "error", err)
		}
		fmt.Println()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	// EOF ends the session the same way /quit does.
	if _, err := manager.EndSession(ctx, userID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

func printState(sess *session.Session) {
	state := sess.State()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Error("failed to render state", "error", err)
		return
	}
	fmt.Println(string(data))
}
