// Package backend knows how to start each supported language server and
// owns the resulting child process.
package backend

// Kind identifies a supported language server.
type Kind string

const (
	Pylsp        Kind = "pylsp"
	Clangd       Kind = "clangd"
	Gopls        Kind = "gopls"
	RustAnalyzer Kind = "rust-analyzer"
	JDTLS        Kind = "jdtls"
)

// Kinds lists every supported language server, in route order.
var Kinds = []Kind{Pylsp, Clangd, Gopls, RustAnalyzer, JDTLS}

// ParseKind maps a route name to a Kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

func (k Kind) String() string {
	return string(k)
}

// Route is the request path clients connect to for this kind.
func (k Kind) Route() string {
	return "/" + string(k)
}

// fixedCommand is the default command line of a kind that needs no
// discovery. jdtls has none.
func (k Kind) fixedCommand() (string, []string, bool) {
	switch k {
	case Pylsp:
		return "pylsp", nil, true
	case Clangd:
		return "clangd", []string{
			"--header-insertion=never",
			"--pch-storage=memory",
			"--background-index",
			"--offset-encoding=utf-16",
		}, true
	case Gopls:
		return "gopls", nil, true
	case RustAnalyzer:
		return "rust-analyzer", nil, true
	default:
		return "", nil, false
	}
}
