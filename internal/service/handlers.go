package service

import (
	"encoding/json"

	"github.com/Abdulrahman-Burham/healix-sub001/internal/models"

	"go.uber.org/zap"
)

// registerHandlers 将推送事件接入体征存储
func (s *SyncService) registerHandlers() {
	s.conn.On(models.EventVitalsUpdate, s.handleVitals)
	s.conn.On(models.EventAlert, s.handleAlert)

	s.conn.On(models.EventConnect, func(models.Event) {
		s.logger.Info("Push channel connected", zap.String("user_id", s.currentUserID()))
	})
	s.conn.On(models.EventDisconnect, func(ev models.Event) {
		var p models.DisconnectPayload
		_ = json.Unmarshal(ev.Data, &p)
		s.logger.Warn("Push channel disconnected", zap.String("reason", p.Reason))
	})
	s.conn.On(models.EventConnectError, func(ev models.Event) {
		var p models.ConnectErrorPayload
		_ = json.Unmarshal(ev.Data, &p)
		s.logger.Warn("Push channel connection error", zap.String("message", p.Message))
	})
}

func (s *SyncService) handleVitals(ev models.Event) {
	var reading models.VitalsReading
	if err := json.Unmarshal(ev.Data, &reading); err != nil {
		s.logger.Warn("Dropped malformed vitals payload",
			zap.String("event", ev.Name),
			zap.Error(err),
		)
		return
	}

	if _, err := s.vitals.ApplySnapshot(reading); err != nil {
		s.logger.Warn("Dropped invalid vitals payload",
			zap.String("event", ev.Name),
			zap.Error(err),
		)
	}
}

// handleAlert 接受单条报警或 {"alerts": [...]} 批量载荷
func (s *SyncService) handleAlert(ev models.Event) {
	var batch models.AlertBatch
	if err := json.Unmarshal(ev.Data, &batch); err == nil && batch.Alerts != nil {
		for _, a := range batch.Alerts {
			s.applyAlert(ev.Name, a)
		}
		return
	}

	var alert models.Alert
	if err := json.Unmarshal(ev.Data, &alert); err != nil {
		s.logger.Warn("Dropped malformed alert payload",
			zap.String("event", ev.Name),
			zap.Error(err),
		)
		return
	}
	s.applyAlert(ev.Name, alert)
}

func (s *SyncService) applyAlert(event string, alert models.Alert) {
	if err := s.vitals.ApplyAlert(alert); err != nil {
		s.logger.Warn("Dropped invalid alert payload",
			zap.String("event", event),
			zap.String("type", alert.Type),
			zap.Error(err),
		)
	}
}
