package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn db 연결정보
type DBconn struct {
	DriverName string
	ConnInfo   string

	TableName string

	db *sql.DB
}

// Item epoch 하나의 학습 기록
type Item struct {
	Run         string
	Stage       string
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
	CreateAt    time.Time
}

func (conn *DBconn) createTable() error {
	if _, err := conn.db.Exec(fmt.Sprintf(`CREATE TABLE %s (
		run CHAR(40) NOT NULL,
		stage CHAR(20) NOT NULL,
		epoch INT NOT NULL,
		loss DOUBLE NOT NULL,
		accuracy DOUBLE NOT NULL,
		val_loss DOUBLE NOT NULL,
		val_accuracy DOUBLE NOT NULL,
		createAt DATETIME NOT NULL);`, conn.TableName)); err != nil {
		return err
	}

	return nil
}

func (conn *DBconn) existsTable() bool {
	rows, err := conn.db.Query(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1;", conn.TableName))
	if err != nil {
		return false
	}
	rows.Close()

	return true
}

func (conn *DBconn) initTable() error {
	if !conn.existsTable() {
		log.Printf("Create DB table: %s", conn.TableName)
		return conn.createTable()
	}

	return nil
}

// Insert entry 삽입
func (conn *DBconn) Insert(item Item) error {
	_, err := conn.db.Exec(fmt.Sprintf(`INSERT INTO %s (
		run,
		stage,
		epoch,
		loss,
		accuracy,
		val_loss,
		val_accuracy,
		createAt) value (?, ?, ?, ?, ?, ?, ?, ?);`, conn.TableName),
		item.Run, item.Stage, item.Epoch, item.Loss, item.Accuracy,
		item.ValLoss, item.ValAccuracy, item.CreateAt.UTC(),
	)

	return err
}

// Get run의 기록을 stage, epoch 순으로 반환
func (conn *DBconn) Get(run string) ([]Item, error) {
	rows, err := conn.db.Query(fmt.Sprintf(`SELECT
		run, stage, epoch, loss, accuracy, val_loss, val_accuracy, createAt
		FROM %s WHERE run = ? ORDER BY createAt, stage, epoch;`, conn.TableName), run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.Run, &item.Stage, &item.Epoch, &item.Loss, &item.Accuracy,
			&item.ValLoss, &item.ValAccuracy, &item.CreateAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Delete run의 기록 삭제
func (conn *DBconn) Delete(run string) (int64, error) {
	res, err := conn.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE run = ?;", conn.TableName), run)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// Destroy db connection 해제
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// mysql DATETIME을 time.Time으로 읽도록 parseTime을 켬
func connInfo(driverName, info string) (string, error) {
	if driverName != "mysql" {
		return info, nil
	}

	cfg, err := mysql.ParseDSN(info)
	if err != nil {
		return "", errors.Wrap(err, "Invalid mysql DSN")
	}
	cfg.ParseTime = true

	return cfg.FormatDSN(), nil
}

// New 새로운 db connection 생성
func New(cfg Config) (*DBconn, error) {
	info, err := connInfo(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.DriverName, info)
	if err != nil {
		return nil, err
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		ConnInfo:   info,
		TableName:  cfg.TableName,
		db:         db,
	}

	if err := conn.initTable(); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}
