package model

// AnalysisResult is the structured assessment produced by the vision model.
type AnalysisResult struct {
	OverallHealth   int              `json:"overall_health"`
	Summary         string           `json:"summary"`
	GrassType       string           `json:"grass_type,omitempty"`
	Goal            string           `json:"goal,omitempty"`
	Scores          HealthScores     `json:"scores"`
	Issues          []LawnIssue      `json:"issues"`
	Recommendations []Recommendation `json:"recommendations"`
	CarePlan        []CarePlanStep   `json:"care_plan"`
	WeatherNote     string           `json:"weather_note,omitempty"`
	// Fallback marks a result built from unparseable model output.
	Fallback bool `json:"fallback,omitempty"`
}

type HealthScores struct {
	Density  int `json:"density"`
	Color    int `json:"color"`
	Weeds    int `json:"weeds"`
	Moisture int `json:"moisture"`
	Soil     int `json:"soil"`
}

type LawnIssue struct {
	Name        string `json:"name"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

type CarePlanStep struct {
	Week    int    `json:"week"`
	Task    string `json:"task"`
	Details string `json:"details,omitempty"`
}

// FallbackResult wraps raw model text when it is not valid JSON.
func FallbackResult(raw, grassType, goal string) *AnalysisResult {
	return &AnalysisResult{
		Summary:         raw,
		GrassType:       grassType,
		Goal:            goal,
		Issues:          []LawnIssue{},
		Recommendations: []Recommendation{},
		CarePlan:        []CarePlanStep{},
		Fallback:        true,
	}
}
