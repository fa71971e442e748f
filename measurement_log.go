package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	timeDomainHeader = []string{
		"timestamp", "frequency", "station", "minute", "second",
		"rssi_dbm", "power_db", "noise_floor_db", "snr_db",
		"tone_present", "tone_power_db", "spectrum_peak_db", "spectrum_mean_db",
		"num_samples", "duration",
	}
	markerHeader = []string{
		"timestamp", "frequency", "minute", "second",
		"a_station", "a_detected", "a_power_db", "a_goertzel_db", "a_onset_ms",
		"b_station", "b_detected", "b_power_db", "b_goertzel_db", "b_onset_ms",
		"time_delta_ms", "ratio_db", "num_samples", "duration",
	}
	statisticsHeader = []string{
		"timestamp", "frequency", "analysis_type", "statistic_name", "value",
	}
)

// csvLog is one daily-rotated CSV file
type csvLog struct {
	name   string
	header []string
	file   *os.File
	writer *csv.Writer
	date   string
	path   string
}

// MeasurementLogger writes measurements and statistics to CSV files under
// data_dir/YYYY/MM/DD/, one set per day, plus a JSON session file
type MeasurementLogger struct {
	dataDir  string
	compress bool
	config   *Config

	sessionID string
	startTime time.Time

	fileMu     sync.Mutex
	timeDomain *csvLog
	marker     *csvLog
	statistics *csvLog

	compressWg sync.WaitGroup
}

// NewMeasurementLogger creates the data directory and writes the session
// file
func NewMeasurementLogger(config *Config, now time.Time) (*MeasurementLogger, error) {
	if err := os.MkdirAll(config.Logging.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	ml := &MeasurementLogger{
		dataDir:    config.Logging.DataDir,
		compress:   config.Logging.CompressPrevious,
		config:     config,
		sessionID:  uuid.NewString(),
		startTime:  now.UTC(),
		timeDomain: &csvLog{name: "time_domain", header: timeDomainHeader},
		marker:     &csvLog{name: "freq_domain", header: markerHeader},
		statistics: &csvLog{name: "statistics", header: statisticsHeader},
	}

	if err := ml.writeSessionInfo(time.Time{}); err != nil {
		return nil, err
	}
	log.Printf("Measurement logger initialized (session %s, data dir %s)", ml.sessionID, ml.dataDir)
	return ml, nil
}

// SessionID returns the UUID identifying this run
func (ml *MeasurementLogger) SessionID() string {
	return ml.sessionID
}

// sessionInfo is the content of session_<id>.json
type sessionInfo struct {
	SessionID   string            `json:"session_id"`
	Version     string            `json:"version"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	Frequencies []FrequencyConfig `json:"frequencies"`
	SampleRate  int               `json:"sample_rate"`
	Stations    StationsConfig    `json:"stations"`
	TimeDomain  TimeDomainConfig  `json:"time_domain"`
	Marker      MarkerConfig      `json:"marker"`
	DSP         DSPConfig         `json:"dsp"`
}

func (ml *MeasurementLogger) sessionPath() string {
	return filepath.Join(ml.dataDir, fmt.Sprintf("session_%s.json", ml.sessionID))
}

func (ml *MeasurementLogger) writeSessionInfo(end time.Time) error {
	info := sessionInfo{
		SessionID:   ml.sessionID,
		Version:     Version,
		StartTime:   ml.startTime,
		Frequencies: ml.config.Frequencies,
		SampleRate:  ml.config.Receiver.SampleRate,
		Stations:    ml.config.Stations,
		TimeDomain:  ml.config.TimeDomain,
		Marker:      ml.config.Marker,
		DSP:         ml.config.DSP,
	}
	if !end.IsZero() {
		end = end.UTC()
		info.EndTime = &end
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}
	if err := os.WriteFile(ml.sessionPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write session info: %w", err)
	}
	return nil
}

// RecordTimeDomain appends a row to the day's time_domain.csv
func (ml *MeasurementLogger) RecordTimeDomain(m *TimeDomainMeasurement) {
	record := []string{
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Frequency,
		m.Station,
		strconv.Itoa(m.Minute),
		strconv.Itoa(m.Second),
		formatDB(m.RSSIdBm),
		formatDB(m.PowerDB),
		formatDB(m.NoiseFloorDB),
		formatDB(m.SNRdB),
		strconv.FormatBool(m.TonePresent),
		formatDB(m.TonePowerDB),
		formatDB(m.SpectrumPeakDB),
		formatDB(m.SpectrumMeanDB),
		strconv.Itoa(m.NumSamples),
		fmt.Sprintf("%.2f", m.Duration),
	}
	if err := ml.write(ml.timeDomain, m.Timestamp, record); err != nil {
		log.Printf("Warning: failed to log time-domain measurement: %v", err)
	}
}

// RecordMarker appends a row to the day's freq_domain.csv
func (ml *MeasurementLogger) RecordMarker(m *MarkerMeasurement) {
	record := []string{
		m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Frequency,
		strconv.Itoa(m.Minute),
		strconv.Itoa(m.Second),
		m.A.Station,
		strconv.FormatBool(m.A.Detected),
		formatDB(m.A.PowerDB),
		formatDB(m.A.GoertzelDB),
		formatOptional(m.A.OnsetMs),
		m.B.Station,
		strconv.FormatBool(m.B.Detected),
		formatDB(m.B.PowerDB),
		formatDB(m.B.GoertzelDB),
		formatOptional(m.B.OnsetMs),
		formatOptional(m.TimeDeltaMs),
		formatOptional(m.RatioDB),
		strconv.Itoa(m.NumSamples),
		fmt.Sprintf("%.2f", m.Duration),
	}
	if err := ml.write(ml.marker, m.Timestamp, record); err != nil {
		log.Printf("Warning: failed to log marker measurement: %v", err)
	}
}

// RecordStatistics flattens the snapshot into statistics.csv rows
func (ml *MeasurementLogger) RecordStatistics(s *StatisticsSnapshot) {
	ts := s.Timestamp.UTC().Format(time.RFC3339)
	var rows [][]string
	add := func(freq, kind, name string, value float64) {
		rows = append(rows, []string{ts, freq, kind, name, strconv.FormatFloat(value, 'f', 4, 64)})
	}
	addSummary := func(freq, kind, prefix string, sum *Summary) {
		if sum == nil {
			return
		}
		add(freq, kind, "mean_"+prefix, sum.Mean)
		add(freq, kind, "std_"+prefix, sum.Std)
		add(freq, kind, "min_"+prefix, sum.Min)
		add(freq, kind, "max_"+prefix, sum.Max)
	}

	for _, freq := range sortedKeys(s.TimeDomain) {
		for _, station := range sortedKeys(s.TimeDomain[freq]) {
			st := s.TimeDomain[freq][station]
			add(freq, "time_domain", station+"_count", float64(st.Count))
			addSummary(freq, "time_domain", station+"_rssi", st.RSSI)
			addSummary(freq, "time_domain", station+"_snr", st.SNR)
		}
	}
	for _, freq := range sortedKeys(s.Marker) {
		st := s.Marker[freq]
		add(freq, "freq_domain", "count", float64(st.Count))
		add(freq, "freq_domain", "detection_rate_a", st.DetectionRateA)
		add(freq, "freq_domain", "detection_rate_b", st.DetectionRateB)
		addSummary(freq, "freq_domain", "power_a", st.PowerA)
		addSummary(freq, "freq_domain", "power_b", st.PowerB)
		addSummary(freq, "freq_domain", "ratio", st.Ratio)
	}
	for _, freq := range sortedKeys(s.Ratios) {
		pair := s.Ratios[freq]
		if pair.TimeDomainDB != nil {
			add(freq, "time_domain", "discrimination_ratio", *pair.TimeDomainDB)
		}
		if pair.MarkerDB != nil {
			add(freq, "freq_domain", "discrimination_ratio", *pair.MarkerDB)
		}
	}
	if p := s.Propagation; p != nil {
		add("all", "propagation", "mean_ratio", p.MeanRatio)
		add("all", "propagation", "std_ratio", p.StdRatio)
		add("all", "propagation", "dominance_db", p.DominanceDB)
	}

	for _, row := range rows {
		if err := ml.write(ml.statistics, s.Timestamp, row); err != nil {
			log.Printf("Warning: failed to log statistics: %v", err)
			return
		}
	}
}

// write appends one record, rotating to a new day's file first if needed
func (ml *MeasurementLogger) write(cl *csvLog, ts time.Time, record []string) error {
	ml.fileMu.Lock()
	defer ml.fileMu.Unlock()

	dateStr := ts.UTC().Format("2006-01-02")
	if dateStr != cl.date {
		if err := ml.rotateFile(cl, ts.UTC()); err != nil {
			return err
		}
	}

	if err := cl.writer.Write(record); err != nil {
		return err
	}
	cl.writer.Flush()
	return cl.writer.Error()
}

// rotateFile closes the current file (compressing it when configured) and
// opens data_dir/YYYY/MM/DD/<name>.csv for t's date
func (ml *MeasurementLogger) rotateFile(cl *csvLog, t time.Time) error {
	if cl.file != nil {
		previous := cl.path
		if err := cl.file.Close(); err != nil {
			log.Printf("Warning: error closing previous CSV file %s: %v", previous, err)
		}
		cl.file = nil
		if ml.compress {
			ml.compressWg.Add(1)
			go func() {
				defer ml.compressWg.Done()
				if err := compressFile(previous); err != nil {
					log.Printf("Warning: failed to compress %s: %v", previous, err)
				}
			}()
		}
	}

	dirPath := filepath.Join(
		ml.dataDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory structure: %w", err)
	}

	filename := filepath.Join(dirPath, cl.name+".csv")
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	cl.file = file
	cl.writer = csv.NewWriter(file)
	cl.date = t.Format("2006-01-02")
	cl.path = filename

	if stat.Size() == 0 {
		if err := cl.writer.Write(cl.header); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		cl.writer.Flush()
		log.Printf("Created new %s log file: %s", cl.name, filename)
	}
	return nil
}

// compressFile writes path.zst and removes path
func compressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".zst")
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if DebugMode {
		log.Printf("DEBUG: compressed %s", path)
	}
	return os.Remove(path)
}

// SaveReport writes report to report_<session>.txt in the data directory
func (ml *MeasurementLogger) SaveReport(report string) (string, error) {
	filename := filepath.Join(ml.dataDir, fmt.Sprintf("report_%s.txt", ml.sessionID))
	if err := os.WriteFile(filename, []byte(report), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	log.Printf("Report saved to %s", filename)
	return filename, nil
}

// Close closes the open files, waits for pending compression and records the
// session end time
func (ml *MeasurementLogger) Close(now time.Time) error {
	ml.fileMu.Lock()
	for _, cl := range []*csvLog{ml.timeDomain, ml.marker, ml.statistics} {
		if cl.file == nil {
			continue
		}
		cl.writer.Flush()
		if err := cl.file.Close(); err != nil {
			log.Printf("Warning: error closing %s: %v", cl.path, err)
		}
		cl.file = nil
	}
	ml.fileMu.Unlock()

	ml.compressWg.Wait()
	return ml.writeSessionInfo(now)
}

// formatDB renders a level, or N/A when it is not finite
func formatDB(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "N/A"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "N/A"
	}
	return formatDB(*v)
}
