package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/meridiandb/sync/local"
	"github.com/meridiandb/sync/remote"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type syncCtlConfig struct {
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
	Token    string `yaml:"token"`
	Compress bool   `yaml:"compress"`
	Cache    string `yaml:"cache"`
}

func main() {
	usage := `Sync control.

Tails watch targets and submits writes against a live endpoint.
Values are typed: plain text is a string, 'true'/'false' are booleans,
and numerals are integers or doubles.

Usage:
    syncctl watch [--config=<config>] [--endpoint=<url>] [--database=<db>]
        [--token=<token>]
        --target=<target_id>
        <collection>
    syncctl put [--config=<config>] [--endpoint=<url>] [--database=<db>]
        [--token=<token>]
        <document_path> <field_value>...
    syncctl delete [--config=<config>] [--endpoint=<url>] [--database=<db>]
        [--token=<token>]
        <document_path>

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      YAML config file.
    --endpoint=<url>       Websocket endpoint, e.g. wss://sync.example.com/v1.
    --database=<db>        Database resource name.
    --token=<token>        Auth token. Prompted for when omitted.
    --target=<target_id>   Caller-chosen target id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		del(opts)
	}
}

func loadConfig(opts docopt.Opts) *syncCtlConfig {
	config := &syncCtlConfig{}
	if configPath, err := opts.String("--config"); err == nil {
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			Err.Fatalf("Could not read config %s = %s", configPath, err)
		}
		if err := yaml.Unmarshal(configBytes, config); err != nil {
			Err.Fatalf("Could not parse config %s = %s", configPath, err)
		}
	}
	if endpoint, err := opts.String("--endpoint"); err == nil {
		config.Endpoint = endpoint
	}
	if database, err := opts.String("--database"); err == nil {
		config.Database = database
	}
	if token, err := opts.String("--token"); err == nil {
		config.Token = token
	}
	if config.Endpoint == "" {
		Err.Fatal("An endpoint is required.")
	}
	if config.Database == "" {
		Err.Fatal("A database is required.")
	}
	if config.Token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Token (empty for none): ")
		tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			config.Token = strings.TrimSpace(string(tokenBytes))
		}
	}
	return config
}

func newStore(ctx context.Context, config *syncCtlConfig) (*remote.RemoteStore, *local.Store) {
	var store *local.Store
	if config.Cache != "" {
		cache, err := local.OpenCache(config.Cache)
		if err != nil {
			Err.Fatalf("Could not open cache %s = %s", config.Cache, err)
		}
		store, err = local.NewStoreWithCache(cache)
		if err != nil {
			Err.Fatalf("Could not load cache %s = %s", config.Cache, err)
		}
	} else {
		store = local.NewStore()
	}

	wsSettings := remote.DefaultWebSocketTransportSettings()
	wsSettings.Compress = config.Compress
	connect := func(ctx context.Context) (remote.Transport, error) {
		return remote.DialWebSocket(ctx, config.Endpoint, nil, wsSettings)
	}

	var tokens remote.TokenProvider
	if config.Token == "" {
		tokens = &remote.EmptyTokenProvider{}
	} else {
		tokens = remote.NewStaticTokenProvider(config.Token)
	}

	remoteStore := remote.NewRemoteStoreWithDefaults(ctx, config.Database, connect, tokens, store)
	store.Attach(remoteStore)
	remoteStore.EnableNetwork(remote.OfflineCauseUser)
	return remoteStore, store
}

func watch(opts docopt.Opts) {
	config := loadConfig(opts)
	targetId, err := opts.Int("--target")
	if err != nil {
		Err.Fatal("A target id is required.")
	}
	collection, _ := opts.String("<collection>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remoteStore, store := newStore(ctx, config)
	defer remoteStore.Shutdown()

	store.AddSnapshotListener(func(key remote.DocumentKey, document *remote.Document) {
		if document == nil {
			Out.Printf("%s (deleted)", key)
			return
		}
		Out.Printf("%s @ %s", key, document.Version)
		for name, value := range document.Fields {
			Out.Printf("    %s = %v", name, value)
		}
	})

	target := remote.NewQueryTarget(int32(targetId), remote.NewCollectionQuery(collection))
	if err := remoteStore.Listen(target); err != nil {
		Err.Fatalf("Listen failed = %s", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func parseFieldValues(fieldValues []string) (map[string]remote.Value, []string, error) {
	fields := map[string]remote.Value{}
	fieldPaths := []string{}
	for _, fieldValue := range fieldValues {
		name, raw, ok := strings.Cut(fieldValue, "=")
		if !ok {
			return nil, nil, fmt.Errorf("field values take the form name=value: %s", fieldValue)
		}
		fieldPaths = append(fieldPaths, name)
		switch {
		case raw == "true":
			fields[name] = true
		case raw == "false":
			fields[name] = false
		default:
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				fields[name] = i
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				fields[name] = f
			} else {
				fields[name] = raw
			}
		}
	}
	return fields, fieldPaths, nil
}

func submit(config *syncCtlConfig, write remote.Write) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remoteStore, store := newStore(ctx, config)
	defer remoteStore.Shutdown()

	acked := make(chan error, 1)
	store.AddWriteListener(func(batchId int64, err error) {
		acked <- err
	})

	if _, err := store.Write(write); err != nil {
		Err.Fatalf("Write failed = %s", err)
	}

	select {
	case err := <-acked:
		if err != nil {
			Err.Fatalf("Write rejected = %s", err)
		}
		Out.Printf("ok")
	case <-time.After(30 * time.Second):
		Err.Fatal("Timed out waiting for acknowledgement.")
	}
}

func put(opts docopt.Opts) {
	config := loadConfig(opts)
	documentPath, _ := opts.String("<document_path>")
	key, err := remote.NewDocumentKey(documentPath)
	if err != nil {
		Err.Fatalf("Bad document path = %s", err)
	}
	fieldValues := opts["<field_value>"].([]string)
	fields, _, err := parseFieldValues(fieldValues)
	if err != nil {
		Err.Fatalf("Bad field value = %s", err)
	}
	submit(config, remote.NewSetWrite(key, fields))
}

func del(opts docopt.Opts) {
	config := loadConfig(opts)
	documentPath, _ := opts.String("<document_path>")
	key, err := remote.NewDocumentKey(documentPath)
	if err != nil {
		Err.Fatalf("Bad document path = %s", err)
	}
	submit(config, remote.NewDeleteWrite(key))
}
