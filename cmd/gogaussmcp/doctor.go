package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	gaussmcp "github.com/rickchristie/opengauss-mcp"
	"github.com/rickchristie/opengauss-mcp/internal/transport"
)

// snippetName is the server name agents see in their tool lists.
const snippetName = "opengauss"

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file (.json or .toml)")
	fs.Parse(args)

	return doctor(os.Stderr, isTTY(os.Stderr.Fd()), *configPath)
}

func doctor(w io.Writer, useColor bool, configPath string) error {
	printBanner(w, useColor)
	fmt.Fprintf(w, "gogaussmcp %s\n\n", gaussmcp.Version)

	config, ok := doctorValidateConfig(w, useColor, configPath)
	if !ok {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Fix the issues above and run 'gogaussmcp doctor' again.")
		return nil
	}

	fmt.Fprintln(w)
	printAgentSnippets(w, useColor, config, configPath)
	return nil
}

// doctorValidateConfig loads and validates the config file, printing check
// results. Returns the parsed config and true if all checks passed.
func doctorValidateConfig(w io.Writer, useColor bool, configPath string) (*gaussmcp.ServerConfig, bool) {
	format := "JSON"
	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		format = "TOML"
	}
	if _, err := os.Stat(configPath); err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file readable (%s)", configPath))
		return nil, false
	}
	printCheck(w, useColor, true, fmt.Sprintf("Config file readable (%s)", configPath))

	config, err := gaussmcp.LoadServerConfig(configPath)
	if err != nil {
		printCheck(w, useColor, false, fmt.Sprintf("Config file is valid %s: %v", format, err))
		return nil, false
	}
	printCheck(w, useColor, true, "Config file is valid "+format)

	allPassed := true
	check := func(pass bool, msg string) {
		printCheck(w, useColor, pass, msg)
		if !pass {
			allPassed = false
		}
	}

	switch config.Driver {
	case "", "pgx", "pq":
		check(true, fmt.Sprintf("driver is supported (%s)", driverName(config.Driver)))
		if config.Connection.DBName == "" {
			check(false, "connection.dbname is set")
		} else {
			check(true, fmt.Sprintf("connection.dbname is set (%s)", config.Connection.DBName))
		}
	case "sqlite":
		check(true, "driver is supported (sqlite)")
		if config.Connection.Path == "" {
			check(false, "connection.path is set (required for sqlite)")
		} else {
			check(true, fmt.Sprintf("connection.path is set (%s)", config.Connection.Path))
		}
	default:
		check(false, fmt.Sprintf("driver is supported (%q is not pgx, pq or sqlite)", config.Driver))
	}

	normalizeServerSettings(&config.Server)
	server := config.Server
	if err := validateServerSettings(server); err != nil {
		check(false, "server settings are valid: "+err.Error())
	} else if server.Transport == transport.NameStdio {
		check(true, "server.transport is stdio")
	} else {
		check(true, fmt.Sprintf("server settings are valid (%s on port %d)", server.Transport, server.Port))
	}

	check(config.Pool.MaxConns > 0, "pool.max_conns is > 0")
	check(config.Query.DefaultTimeoutSeconds > 0 &&
		config.Query.ListTablesTimeoutSeconds > 0 &&
		config.Query.DescribeTableTimeoutSeconds > 0, "query timeouts are > 0")
	if hooks := len(config.ServerHooks.BeforeQuery) + len(config.ServerHooks.AfterQuery); hooks > 0 {
		check(config.DefaultHookTimeoutSeconds > 0, "default_hook_timeout_seconds is > 0 (hooks are configured)")
	}

	regexOK := true
	compile := func(field string, i int, pattern string) {
		if _, err := regexp.Compile(pattern); err != nil {
			check(false, fmt.Sprintf("%s[%d] regex compiles: %v", field, i, err))
			regexOK = false
		}
	}
	for i, rule := range config.ErrorPrompts {
		compile("error_prompts", i, rule.Pattern)
	}
	for i, rule := range config.Sanitization {
		compile("sanitization", i, rule.Pattern)
	}
	for i, rule := range config.Query.TimeoutRules {
		compile("timeout_rules", i, rule.Pattern)
	}
	for i, hook := range config.ServerHooks.BeforeQuery {
		compile("server_hooks.before_query", i, hook.Pattern)
	}
	for i, hook := range config.ServerHooks.AfterQuery {
		compile("server_hooks.after_query", i, hook.Pattern)
	}
	if regexOK {
		check(true, "All regex patterns compile")
	}

	return config, allPassed
}

func driverName(d string) string {
	if d == "" {
		return "pgx"
	}
	return d
}

// printCheck prints a colored ✓ or ✗ check line.
func printCheck(w io.Writer, useColor bool, pass bool, msg string) {
	mark, color := "✓", "\033[32m"
	if !pass {
		mark, color = "✗", "\033[31m"
	}
	if useColor {
		fmt.Fprintf(w, "  %s%s\033[0m %s\n", color, mark, msg)
	} else {
		fmt.Fprintf(w, "  %s %s\n", mark, msg)
	}
}

// printAgentSnippets prints MCP connection config snippets for various AI
// agents. HTTP transports get URL snippets; stdio gets command snippets.
func printAgentSnippets(w io.Writer, useColor bool, config *gaussmcp.ServerConfig, configPath string) {
	heading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "\033[1;36m%s\033[0m\n", title)
		} else {
			fmt.Fprintln(w, title)
		}
	}
	subheading := func(title string) {
		if useColor {
			fmt.Fprintf(w, "  \033[1m%s\033[0m\n", title)
		} else {
			fmt.Fprintf(w, "  %s\n", title)
		}
	}

	heading("Agent Connection Snippets")
	fmt.Fprintln(w)

	if config.Server.Transport == transport.NameStdio {
		printStdioSnippets(w, subheading, configPath)
		return
	}

	host := config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := fmt.Sprintf("http://%s:%d%s", host, config.Server.Port, config.Server.Path)
	kind := "http"
	if config.Server.Transport == transport.NameSSE {
		kind = "sse"
	}

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add --transport %s %s %s\n\n", kind, snippetName, url)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "%s": {
        "type": "%s",
        "url": "%s"
      }
    }
  }
`, snippetName, kind, url)
	fmt.Fprintln(w)

	subheading("Gemini CLI (~/.gemini/settings.json)")
	urlKey := "httpUrl"
	if kind == "sse" {
		urlKey = "url"
	}
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "%s": {
        "%s": "%s"
      }
    }
  }
`, snippetName, urlKey, url)
	fmt.Fprintln(w)

	subheading("OpenCode (opencode.json)")
	fmt.Fprintf(w, `  {
    "mcp": {
      "%s": {
        "type": "remote",
        "url": "%s"
      }
    }
  }
`, snippetName, url)
	fmt.Fprintln(w)

	subheading("Cursor (.cursor/mcp.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "%s": {
        "url": "%s"
      }
    }
  }
`, snippetName, url)
}

func printStdioSnippets(w io.Writer, subheading func(string), configPath string) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		abs = configPath
	}

	subheading("Claude Code")
	fmt.Fprintf(w, "  Run this command to add the server:\n\n")
	fmt.Fprintf(w, "    claude mcp add %s --env %s=%s --env %s=<user> --env %s=<password> -- gogaussmcp serve\n\n",
		snippetName, envConfigPath, abs, envUser, envPassword)
	fmt.Fprintf(w, "  Or add to .mcp.json (project scope):\n\n")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "%s": {
        "command": "gogaussmcp",
        "args": ["serve"],
        "env": {
          "%s": "%s",
          "%s": "<user>",
          "%s": "<password>"
        }
      }
    }
  }
`, snippetName, envConfigPath, abs, envUser, envPassword)
	fmt.Fprintln(w)

	subheading("Cursor (.cursor/mcp.json)")
	fmt.Fprintf(w, `  {
    "mcpServers": {
      "%s": {
        "command": "gogaussmcp",
        "args": ["serve", "--config", "%s"]
      }
    }
  }
`, snippetName, abs)
}
