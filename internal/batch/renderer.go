package batch

import (
	"fmt"
	"strings"

	"centinela/internal/model"
)

// localeSubjectTemplates maps a locale to a deterministic subject-line
// template (spec §4.M step 3). Locales without an entry fall back to
// "en".
var localeSubjectTemplates = map[string]string{
	"en": "[Centinela] %d %s alert%s in the last window",
	"es": "[Centinela] %d alerta%s de severidad %s en la última ventana",
}

// DefaultRenderer produces a plain-text/HTML digest body from a
// deterministic, locale-keyed template. Good enough as a reference
// implementation; operators can inject a richer Renderer (e.g. a
// template-file-backed one) without touching the Batcher itself.
type DefaultRenderer struct{}

func (DefaultRenderer) Render(locale string, digest model.Digest, detections []model.Detection) (subject, bodyText, bodyHTML string) {
	plural := ""
	if digest.DetectionCount != 1 {
		plural = "s"
	}

	switch locale {
	case "es":
		subject = fmt.Sprintf(localeSubjectTemplates["es"], digest.DetectionCount, plural, digest.Severity)
	default:
		subject = fmt.Sprintf(localeSubjectTemplates["en"], digest.DetectionCount, digest.Severity, plural)
	}

	var textLines []string
	var htmlLines []string
	textLines = append(textLines, subject, "")
	htmlLines = append(htmlLines, "<h2>"+subject+"</h2>", "<ul>")

	for _, d := range detections {
		line := fmt.Sprintf("- [%s] %s on %s: %d events between %s and %s",
			strings.ToUpper(string(d.Severity)), d.DetectionType, d.GroupKey, d.EventCount,
			d.FirstEventAt.Format("15:04:05"), d.LastEventAt.Format("15:04:05"))
		textLines = append(textLines, line)
		htmlLines = append(htmlLines, "<li>"+line+"</li>")
	}
	htmlLines = append(htmlLines, "</ul>")

	bodyText = strings.Join(textLines, "\n")
	bodyHTML = strings.Join(htmlLines, "\n")
	return subject, bodyText, bodyHTML
}
