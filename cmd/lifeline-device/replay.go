package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JullianMQ/lifeline/internal/alerttransport"
	"github.com/JullianMQ/lifeline/internal/detector"
	"github.com/JullianMQ/lifeline/internal/incident"
	"go.uber.org/zap"
)

const (
	recordSample   = "sample"
	recordLocation = "location"
	recordSend     = "send"
	recordDecline  = "decline"

	maxRecordSize = 1 << 20
)

// replayRecord is one line of a capture file. Sample fields are used for
// "sample" records, location fields for "location" records; "send" and
// "decline" replay the user's answer to the active incident.
type replayRecord struct {
	Type string `json:"type"`
	detector.Sample
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	Accuracy          *float64  `json:"accuracy,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	FormattedLocation string    `json:"formattedLocation,omitempty"`
}

type classifier interface {
	Push(sample detector.Sample) []detector.Event
}

type incidentSource interface {
	OnEvent(kind detector.Kind, detectedAt time.Time, meta map[string]float64) (incident.Incident, bool)
	Active() (incident.Incident, bool)
	ExpireIfDue() bool
}

type responder interface {
	SendNow(ctx context.Context, id string) error
	Decline(id string) bool
}

type locationPoster interface {
	PostLocation(ctx context.Context, report alerttransport.LocationReport) (alerttransport.PostResponse, error)
}

// pipeline feeds capture records through classifier -> arbiter -> bridge.
type pipeline struct {
	classifier classifier
	incidents  incidentSource
	responder  responder
	locations  *alerttransport.LocationTracker
	poster     locationPoster
	logger     *zap.Logger
}

type replayStats struct {
	Lines     int
	Samples   int
	Events    int
	Incidents int
	Locations int
	Skipped   int
}

func (p *pipeline) replay(ctx context.Context, input io.Reader) (replayStats, error) {
	var stats replayStats
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++
		var record replayRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			stats.Skipped++
			p.logger.Warn("skipping malformed record", zap.Int("line", stats.Lines), zap.Error(err))
			continue
		}
		p.apply(ctx, record, &stats)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read capture: %w", err)
	}
	return stats, nil
}

func (p *pipeline) apply(ctx context.Context, record replayRecord, stats *replayStats) {
	p.incidents.ExpireIfDue()
	switch record.Type {
	case recordSample, "":
		stats.Samples++
		for _, event := range p.classifier.Push(record.Sample) {
			stats.Events++
			p.logger.Info("detector event",
				zap.String("kind", string(event.Kind)),
				zap.Time("at", event.At),
				zap.Any("meta", event.Meta),
			)
			if created, ok := p.incidents.OnEvent(event.Kind, event.At, event.Meta); ok {
				stats.Incidents++
				p.logger.Info("incident created", zap.String("incident_id", created.ID), zap.String("reason", string(created.Reason)))
			}
		}
	case recordLocation:
		stats.Locations++
		report := alerttransport.LocationReport{
			Latitude:          record.Latitude,
			Longitude:         record.Longitude,
			Accuracy:          record.Accuracy,
			Timestamp:         record.Timestamp,
			FormattedLocation: record.FormattedLocation,
		}
		if report.Timestamp.IsZero() {
			report.Timestamp = time.Now().UTC()
		}
		p.locations.Update(report)
		if p.poster == nil {
			return
		}
		if _, err := p.poster.PostLocation(ctx, report); err != nil {
			p.logger.Warn("location post failed", zap.Error(err))
		}
	case recordSend, recordDecline:
		active, ok := p.incidents.Active()
		if !ok {
			p.logger.Info("no active incident to answer", zap.String("action", record.Type))
			return
		}
		if record.Type == recordDecline {
			p.responder.Decline(active.ID)
			p.logger.Info("incident declined", zap.String("incident_id", active.ID))
			return
		}
		if err := p.responder.SendNow(ctx, active.ID); err != nil {
			p.logger.Error("manual sos failed", zap.String("incident_id", active.ID), zap.Error(err))
		}
	default:
		stats.Skipped++
		p.logger.Warn("skipping unknown record type", zap.String("type", record.Type))
	}
}
