package telegram

import (
	"fmt"
	"html"
)

const wrongFormatText = "I only accept <b>.flac</b> files."

func welcomeText(appMaxMB float64) string {
	return fmt.Sprintf("<b>FLAC → MP3 converter</b>\n\n"+
		"Send me one or more <b>.flac</b> files and I will return MP3 320 kbps.\n\n"+
		"File limit: %g MB.\n"+
		"You can send several files at once.\n\n"+
		"/stats shows your statistics", appMaxMB)
}

func statsText(total int) string {
	return fmt.Sprintf("Total conversions: <b>%d</b>", total)
}

func nonFLACAudioText(mime, name string) string {
	if mime == "" {
		mime = "unknown"
	}
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("This is <b>%s</b> (%s).\nI only convert <b>.flac</b> files.",
		html.EscapeString(mime), html.EscapeString(name))
}
