package events

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agenticwork/sessiond/protocol"
)

var (
	// "Listening on port 3000", "server started on port 8080", ...
	portPattern = regexp.MustCompile(`(?i)(?:listening|running|started|server)[^\n]*?\bport\s+(\d{2,5})`)
	// explicit local URLs in the output
	urlPattern = regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):\d{2,5}[^\s"']*`)
)

// detectArtifact scans an exec tool's successful output for a dev server
// the agent just started and surfaces it to the UI.
func (t *Translator) detectArtifact(tool *activeTool, output string) {
	url := ""
	if m := urlPattern.FindString(output); m != "" {
		url = strings.Replace(m, "0.0.0.0", "localhost", 1)
	} else if m := portPattern.FindStringSubmatch(output); m != nil {
		url = fmt.Sprintf("http://localhost:%s", m[1])
	}
	if url == "" {
		return
	}

	artifactType := "web-app"
	cmd := strings.ToLower(inputString(tool.input, "command", "cmd"))
	if strings.Contains(cmd, "react") || strings.Contains(cmd, "vite") ||
		strings.Contains(cmd, "next") || strings.Contains(cmd, "npm start") ||
		strings.Contains(cmd, "npm run dev") {
		artifactType = "react-app"
	}

	t.setActivity(protocol.ActivityArtifact)
	t.send(protocol.Event{Type: protocol.EventArtifactDetected, URL: url, ArtifactType: artifactType})
	t.send(protocol.Event{Type: protocol.EventArtifactReady, URL: url, ArtifactType: artifactType})
}
