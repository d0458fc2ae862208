package trust

import (
	"fmt"
	"math"
	"sync"

	"github.com/cdipaolo/goml/cluster"
)

const (
	// TelemetryFeatureCount is the fixed width of heartbeat feature vectors.
	TelemetryFeatureCount = 4

	// DefaultAnomalyThreshold marks the score above which a heartbeat is
	// treated as anomalous.
	DefaultAnomalyThreshold = 0.85
)

// AnomalyDetector clusters heartbeat telemetry and scores how far a new
// reading sits from the swarm's learned behavior. Nodes that report
// telemetry inconsistent with their history (a sudden capability jump,
// impossible load patterns) surface as high-novelty outliers.
type AnomalyDetector struct {
	model *cluster.KMeans

	// Observations retained for periodic retraining
	observations [][]float64
	maxObs       int
	threshold    float64

	mu sync.RWMutex
}

// NewAnomalyDetector creates a detector with the given cluster count.
func NewAnomalyDetector(clusters int) *AnomalyDetector {
	// Seed with zero vectors so Predict works before the first retrain
	dummyData := make([][]float64, clusters)
	for i := 0; i < clusters; i++ {
		dummyData[i] = make([]float64, TelemetryFeatureCount)
	}

	return &AnomalyDetector{
		model:        cluster.NewKMeans(clusters, 10, dummyData),
		observations: make([][]float64, 0, 1000),
		maxObs:       1000,
		threshold:    DefaultAnomalyThreshold,
	}
}

// TelemetryFeatures normalizes one heartbeat into a feature vector.
// Loads are already 0..1, RTT is scaled against a 1s ceiling and
// temperature against a 100C ceiling.
func TelemetryFeatures(cpuLoad, gpuLoad, rttMs, thermalC float64) []float64 {
	rttNorm := math.Min(rttMs/1000.0, 1.0)
	thermNorm := math.Min(math.Max(thermalC, 0)/100.0, 1.0)
	return []float64{cpuLoad, gpuLoad, rttNorm, thermNorm}
}

// Score returns a novelty score (0-1) for one telemetry vector and records
// the observation for future retraining. Higher means further from any
// known cluster.
func (d *AnomalyDetector) Score(features []float64) (float64, error) {
	if len(features) != TelemetryFeatureCount {
		return 0, fmt.Errorf("invalid feature length: expected %d, got %d", TelemetryFeatureCount, len(features))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.observations) < d.maxObs {
		d.observations = append(d.observations, features)
	}

	// KMeans.Predict returns the centroid of the closest cluster
	centroid, err := d.model.Predict(features)
	if err != nil {
		return 0, err
	}

	dist := d.euclideanDistance(features, centroid)

	// Sigmoid mapping of distance so the score saturates smoothly
	score := 1.0 - (1.0 / (1.0 + math.Exp(dist-2.0)))

	return score, nil
}

// IsAnomalous scores the vector and compares against the threshold.
func (d *AnomalyDetector) IsAnomalous(features []float64) (bool, float64, error) {
	score, err := d.Score(features)
	if err != nil {
		return false, 0, err
	}
	return score > d.threshold, score, nil
}

// SetThreshold overrides the anomaly cutoff.
func (d *AnomalyDetector) SetThreshold(t float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = t
}

// ObservationCount returns how many telemetry samples are buffered.
func (d *AnomalyDetector) ObservationCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observations)
}

// Retrain refits the clusters on accumulated observations. Called on a
// slow cadence by the coordinator maintenance loop.
func (d *AnomalyDetector) Retrain() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.observations) < 10 {
		return nil // Not enough data
	}

	if err := d.model.UpdateTrainingSet(d.observations); err != nil {
		return err
	}

	return d.model.Learn()
}

func (d *AnomalyDetector) euclideanDistance(a, b []float64) float64 {
	sum := 0.0
	limit := len(a)
	if len(b) < limit {
		limit = len(b)
	}
	for i := 0; i < limit; i++ {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
