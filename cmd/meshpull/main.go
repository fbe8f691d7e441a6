// Command-line tool that fetches a mesh fragment from a DVID key-value
// instance, resolves its merge graph, and writes the assembled mesh.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/janelia-flyem/meshpull/mesh"
	"github.com/janelia-flyem/meshpull/meshpull"
	"github.com/janelia-flyem/meshpull/resolve"
	"github.com/janelia-flyem/meshpull/transport"
)

var (
	showHelp   = flag.Bool("help", false, "")
	verbose    = flag.Bool("verbose", false, "")
	rawOutput  = flag.Bool("raw", false, "")
	outPath    = flag.String("o", "", "")
	token      = flag.String("token", "", "")
	tokenFile  = flag.String("tokenfile", "", "")
	configPath = flag.String("config", "", "")
	timeout    = flag.Int("timeout", 0, "")
)

const helpMessage = `

meshpull fetches a mesh fragment from a DVID key-value instance, resolves
its merge graph, and writes the assembled mesh as Wavefront OBJ (default)
or in the raw fragment format (-raw).

Usage: meshpull [options] <server> <uuid> <data instance> <fragment id>

  Example: meshpull http://emdata.janelia.org:8000 e2f02 mymeshes 208299761

  -token    =string   Bearer token for the server; defaults to env var
                      MESHPULL_CREDENTIALS.  Only sent over https.
  -tokenfile=string   Path to file holding the bearer token; overrides
                      -token and any configured token.
  -config   =string   Path to TOML config file (see sample below).
  -o        =string   Output file (default stdout).
  -raw      (flag)    Write raw fragment bytes instead of OBJ.
  -timeout  =number   Overall deadline in seconds (default none).
  -verbose  (flag)    Run in verbose mode.
  -h, -help (flag)    Show help message

Sample config file:

  leaf_suffix = "ngmesh"
  max_depth = 32
  cache_mb = 64
  token = "..."       # or token_file = "/path/to/token"
  max_transient = 3   # retries after gateway timeouts
  backoff_ms = 500    # wait before first transient retry, doubling after

  [log]
  logfile = "/path/to/meshpull.log"
  max_log_size = 500 # MB
  max_log_age = 30   # days
`

type tomlConfig struct {
	Token        string             `toml:"token"`
	TokenFile    string             `toml:"token_file"`
	LeafSuffix   string             `toml:"leaf_suffix"`
	MaxDepth     int                `toml:"max_depth"`
	CacheMB      int                `toml:"cache_mb"`
	MaxTransient int                `toml:"max_transient"`
	BackoffMS    int                `toml:"backoff_ms"`
	Log          meshpull.LogConfig `toml:"log"`
}

// readTokenFile returns the bearer token stored in the given file, with
// surrounding whitespace (typically a trailing newline) removed.
func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("unable to read token file %q: %v", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// chooseCredential picks the bearer token source.  Precedence, lowest to
// highest: MESHPULL_CREDENTIALS env var, config token, config token_file,
// -token flag, -tokenfile flag.
func chooseCredential(flagToken, flagTokenFile string, config tomlConfig) (transport.CredentialSource, error) {
	creds := transport.FromEnv("MESHPULL_CREDENTIALS")
	if config.Token != "" {
		creds = transport.StaticSource(config.Token)
	}
	if config.TokenFile != "" {
		tok, err := readTokenFile(config.TokenFile)
		if err != nil {
			return nil, err
		}
		creds = transport.StaticSource(tok)
	}
	if flagToken != "" {
		creds = transport.StaticSource(flagToken)
	}
	if flagTokenFile != "" {
		tok, err := readTokenFile(flagTokenFile)
		if err != nil {
			return nil, err
		}
		creds = transport.StaticSource(tok)
	}
	return creds, nil
}

// configureClient applies the config file's retry settings, leaving the
// client's defaults in place for unset fields.
func configureClient(client *transport.Client, config tomlConfig) {
	if config.MaxTransient > 0 {
		client.MaxTransient = config.MaxTransient
	}
	if config.BackoffMS > 0 {
		client.Backoff = time.Duration(config.BackoffMS) * time.Millisecond
	}
}

var usage = func() {
	fmt.Printf(helpMessage)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
	flag.Parse()

	if *showHelp || flag.NArg() != 4 {
		flag.Usage()
		os.Exit(0)
	}
	if *verbose {
		meshpull.SetLogMode(meshpull.DebugMode)
	}

	var config tomlConfig
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &config); err != nil {
			fmt.Printf("Error reading config file %q: %v\n", *configPath, err)
			os.Exit(1)
		}
		config.Log.SetLogger()
	}

	args := flag.Args()
	server, uuid, instance, fragmentID := args[0], args[1], args[2], args[3]

	creds, err := chooseCredential(*token, *tokenFile, config)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	client := transport.NewClient(creds)
	configureClient(client, config)

	base := fmt.Sprintf("%s/api/node/%s/%s", server, uuid, instance)
	resolver := resolve.NewResolver(base, client)
	if config.LeafSuffix != "" {
		resolver.LeafSuffix = config.LeafSuffix
	}
	if config.MaxDepth > 0 {
		resolver.MaxDepth = config.MaxDepth
	}
	if config.CacheMB > 0 {
		resolver.Cache = resolve.NewFragmentCache(config.CacheMB)
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
		defer cancel()
	}

	geom, err := resolver.Assemble(ctx, fragmentID)
	if err != nil {
		fmt.Printf("Unable to assemble fragment %q from %s: %v\n", fragmentID, base, err)
		os.Exit(1)
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			fmt.Printf("Unable to create output file %q: %v\n", *outPath, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	if *rawOutput {
		data := mesh.Encode(geom)
		if _, err := out.Write(data); err != nil {
			fmt.Printf("Error writing raw mesh: %v\n", err)
			os.Exit(1)
		}
		meshpull.Infof("Wrote %s of raw mesh data for fragment %q\n", humanize.Bytes(uint64(len(data))), fragmentID)
	} else {
		if err := geom.WriteOBJ(out); err != nil {
			fmt.Printf("Error writing OBJ mesh: %v\n", err)
			os.Exit(1)
		}
		meshpull.Infof("Wrote OBJ mesh for fragment %q: %d vertices (%s), %d triangles\n",
			fragmentID, geom.VertexCount(), humanize.Bytes(uint64(4*len(geom.Vertices))), geom.TriangleCount())
	}
	meshpull.Shutdown()
}
