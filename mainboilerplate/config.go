package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// Version and BuildDate are populated at build time via -ldflags.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// ConfigPrefixes returns directories searched, in order, for an INI file:
// $DDS_CONFIG_ROOT (if set), the working directory, and ~/.config/dds of
// the user's $HOME or %UserProfile%.
func ConfigPrefixes() []string {
	var out []string
	if root := os.Getenv("DDS_CONFIG_ROOT"); root != "" {
		out = append(out, root)
	}
	out = append(out, ".")

	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			out = append(out, filepath.Join(home, ".config", "dds"))
		}
	}
	return out
}

// MustParseConfig requires that the Parser parse from the combination of the
// first INI file named |configName| found within ConfigPrefixes, configured
// environment bindings, and explicit flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	// INI files may hold options of other programs.
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var iniParser = flags.NewIniParser(parser)

	for _, prefix := range ConfigPrefixes() {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			break
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = origOptions
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration struct itself is malformed.
		panic(err)

	case flags.ErrCommandRequired:
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		writeVersion()
		os.Exit(1)

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
			writeVersion()
		}
		os.Exit(1)

	default:
		// go-flags has already printed the input error.
		os.Exit(1)
	}
}

func writeVersion() { fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate) }

// AddPrintConfigCmd to the Parser. The "print-config" command writes the
// combined runtime configuration in INI format, so that users may check
// how an application is configured.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
