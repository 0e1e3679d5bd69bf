package ml

const (
	DescriptionRain   = "Tomorrow Rains"
	DescriptionNoRain = "No Rain"
)

// PredictionResult is the response body of a successful prediction.
type PredictionResult struct {
	Label       bool   `json:"int_output"`
	Description string `json:"str_output"`
}

func NewPredictionResult(label bool) PredictionResult {
	if label {
		return PredictionResult{Label: true, Description: DescriptionRain}
	}
	return PredictionResult{Label: false, Description: DescriptionNoRain}
}
