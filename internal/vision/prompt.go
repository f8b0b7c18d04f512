package vision

import (
	"fmt"
	"strings"
)

const systemPrompt = `Du bist ein erfahrener Rasenexperte. Analysiere das Foto eines Rasens und antworte ausschließlich mit einem JSON-Objekt in genau diesem Schema:
{
  "overall_health": <0-100>,
  "summary": "<kurze Einschätzung>",
  "grass_type": "<erkannte oder angegebene Grasart>",
  "goal": "<Ziel des Nutzers>",
  "scores": {"density": <0-100>, "color": <0-100>, "weeds": <0-100>, "moisture": <0-100>, "soil": <0-100>},
  "issues": [{"name": "<Problem>", "severity": "low|medium|high", "description": "<Details>"}],
  "recommendations": [{"title": "<Maßnahme>", "description": "<Details>", "priority": "low|medium|high"}],
  "care_plan": [{"week": <1-4>, "task": "<Aufgabe>", "details": "<Details>"}],
  "weather_note": "<Hinweis zum aktuellen Wetter, falls Wetterdaten vorliegen>"
}
Keine Erklärungen außerhalb des JSON.`

func userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Bitte analysiere diesen Rasen.")
	if req.GrassType != "" {
		fmt.Fprintf(&b, "\nGrasart laut Nutzer: %s", req.GrassType)
	}
	if req.Goal != "" {
		fmt.Fprintf(&b, "\nZiel des Nutzers: %s", req.Goal)
	}
	if req.WeatherContext != "" {
		fmt.Fprintf(&b, "\nAktuelles Wetter: %s", req.WeatherContext)
	}
	return b.String()
}
