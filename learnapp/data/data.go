package data

import (
	"time"

	"github.com/harrison-roh/image-classification-from-little-data/learnapp/data/db"
	"github.com/harrison-roh/image-classification-from-little-data/learnapp/training"
)

const (
	tableName  string = "history_tab"
	driverName string = "mysql"
)

// Manager 학습 기록을 관리
type Manager struct {
	Conn *db.DBconn
}

// Record epoch 결과 저장
func (dm *Manager) Record(run, stage string, r training.EpochResult) error {
	return dm.Conn.Insert(db.Item{
		Run:         run,
		Stage:       stage,
		Epoch:       r.Epoch,
		Loss:        r.Loss,
		Accuracy:    r.Accuracy,
		ValLoss:     r.ValLoss,
		ValAccuracy: r.ValAccuracy,
		CreateAt:    time.Now(),
	})
}

// Histories run의 단계별 학습 기록
func (dm *Manager) Histories(run string) (map[string]*training.History, error) {
	items, err := dm.Conn.Get(run)
	if err != nil {
		return nil, err
	}

	histories := make(map[string]*training.History)
	for _, item := range items {
		h, ok := histories[item.Stage]
		if !ok {
			h = &training.History{Stage: item.Stage}
			histories[item.Stage] = h
		}
		h.Epochs = append(h.Epochs, training.EpochResult{
			Epoch:       item.Epoch,
			Loss:        item.Loss,
			Accuracy:    item.Accuracy,
			ValLoss:     item.ValLoss,
			ValAccuracy: item.ValAccuracy,
		})
	}

	return histories, nil
}

// Forget run의 기록 삭제
func (dm *Manager) Forget(run string) error {
	_, err := dm.Conn.Delete(run)
	return err
}

// Destroy Manager 해제
func (dm *Manager) Destroy() error {
	return dm.Conn.Destroy()
}

// New 새로운 Manager 생성
func New(dsn string) (*Manager, error) {
	conn, err := db.New(db.Config{
		DriverName: driverName,
		ConnInfo:   dsn,
		TableName:  tableName,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		Conn: conn,
	}, nil
}
