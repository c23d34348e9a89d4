package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/pithecene-io/oaiharvest/executor"
)

// Default argv templates. Placeholders are replaced per invocation;
// "{flags}" expands to zero or more arguments.
var (
	DefaultConvert           = []string{"xsltproc", "--output", "{output}", "{template}", "{input}"}
	DefaultPlotExtract       = []string{"plotextractor", "--source", "{source}", "--output", "{output}", "{input}"}
	DefaultRefExtract        = []string{"refextract", "{flags}", "--output", "{output}", "{input}"}
	DefaultAuthorlistConvert = []string{"xsltproc", "--output", "{output}", "{stylesheet}", "{input}"}
)

// DefaultStylesheet converts a collaboration author list to MARCXML.
const DefaultStylesheet = "authorlist2marcxml.xsl"

// Tools configures the external programs the stages run.
type Tools struct {
	Convert []string
	// ConvertDaemon, when set, is kept running around every conversion.
	ConvertDaemon     *executor.Daemon
	TemplateDir       string
	PlotExtract       []string
	RefExtract        []string
	AuthorlistConvert []string
	StylesheetDir     string
	// TicketQueue is the queue used when a source sets no a_rt-queue.
	TicketQueue string
	// ValidatePDF overrides the PDF validator of the fulltext stage.
	ValidatePDF func(path string) (pages int, err error)
}

func (t Tools) withDefaults() Tools {
	if len(t.Convert) == 0 {
		t.Convert = DefaultConvert
	}
	if len(t.PlotExtract) == 0 {
		t.PlotExtract = DefaultPlotExtract
	}
	if len(t.RefExtract) == 0 {
		t.RefExtract = DefaultRefExtract
	}
	if len(t.AuthorlistConvert) == 0 {
		t.AuthorlistConvert = DefaultAuthorlistConvert
	}
	if t.ValidatePDF == nil {
		t.ValidatePDF = validatePDF
	}
	return t
}

// resolve joins name to dir unless name is absolute or dir is empty.
func resolve(dir, name string) string {
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// expandArgv substitutes {key} placeholders in tmpl.
func expandArgv(tmpl []string, vars map[string]string, flags []string) []string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, 0, len(tmpl)+len(flags))
	for _, a := range tmpl {
		if a == "{flags}" {
			out = append(out, flags...)
			continue
		}
		out = append(out, r.Replace(a))
	}
	return out
}
