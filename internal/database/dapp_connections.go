package database

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/pkg/errors"
)

// DappConnection is one persisted dapp link, keyed by account, dapp url and
// the per-transport unique id.
type DappConnection struct {
	ID           int64     `gorm:"primaryKey"`
	AccountID    string    `gorm:"type:varchar(100);uniqueIndex:uni_conn;index"`
	URL          string    `gorm:"type:varchar(2000);uniqueIndex:uni_conn"`
	UniqueID     string    `gorm:"type:varchar(255);uniqueIndex:uni_conn"`
	ProtocolType string    `gorm:"type:varchar(50)"`
	Network      string    `gorm:"type:varchar(50);index"`
	ConnectedAt  int64     `gorm:"type:int8"`
	Connection   JSONBMap  `gorm:"type:jsonb"`
	CreatedTime  time.Time `gorm:"type:timestamp"`
}

// ConnectionStore is the postgres-backed dapp connection store.
type ConnectionStore struct{}

func encodeConnection(conn *dapp.Connection) (JSONBMap, error) {
	raw, err := json.Marshal(conn)
	if err != nil {
		return nil, errors.WrapAndReport(err, "encode dapp connection")
	}
	var m JSONBMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.WrapAndReport(err, "encode dapp connection")
	}
	return m, nil
}

func decodeConnection(m JSONBMap) (*dapp.Connection, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapAndReport(err, "decode dapp connection")
	}
	var conn dapp.Connection
	if err := json.Unmarshal(raw, &conn); err != nil {
		return nil, errors.WrapAndReport(err, "decode dapp connection")
	}
	return &conn, nil
}

func (ConnectionStore) Get(ctx context.Context, accountID, url, uniqueID string) (*dapp.Connection, error) {
	var row DappConnection
	err := Postgres.WithContext(ctx).Where("account_id = ? and url = ? and unique_id = ?",
		accountID, url, uniqueID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "query dapp connection")
	}
	return decodeConnection(row.Connection)
}

func (ConnectionStore) Put(ctx context.Context, accountID string, conn *dapp.Connection) error {
	payload, err := encodeConnection(conn)
	if err != nil {
		return err
	}
	row := DappConnection{
		AccountID:    accountID,
		URL:          conn.URL,
		UniqueID:     conn.UniqueID(),
		ProtocolType: string(conn.ProtocolType),
		Network:      string(dapp.ParseAccountNetwork(accountID)),
		ConnectedAt:  conn.ConnectedAt,
		Connection:   payload,
		CreatedTime:  time.Now(),
	}
	err = Postgres.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "url"}, {Name: "unique_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	return errors.WrapAndReport(err, "save dapp connection")
}

func (ConnectionStore) Delete(ctx context.Context, accountID, url, uniqueID string) (bool, error) {
	res := Postgres.WithContext(ctx).Where("account_id = ? and url = ? and unique_id = ?",
		accountID, url, uniqueID).Delete(&DappConnection{})
	if res.Error != nil {
		return false, errors.WrapAndReport(res.Error, "delete dapp connection")
	}
	return res.RowsAffected > 0, nil
}

func (ConnectionStore) List(ctx context.Context, accountID string) ([]*dapp.Connection, error) {
	var rows []DappConnection
	err := Postgres.WithContext(ctx).Where("account_id = ?", accountID).
		Order("connected_at desc").Find(&rows).Error
	if err != nil {
		return nil, errors.WrapAndReport(err, "list dapp connections")
	}
	conns := make([]*dapp.Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := decodeConnection(row.Connection)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (ConnectionStore) ListAll(ctx context.Context) (map[string][]*dapp.Connection, error) {
	var rows []DappConnection
	err := Postgres.WithContext(ctx).Find(&rows).Error
	if err != nil {
		return nil, errors.WrapAndReport(err, "list all dapp connections")
	}
	all := make(map[string][]*dapp.Connection)
	for _, row := range rows {
		conn, err := decodeConnection(row.Connection)
		if err != nil {
			return nil, err
		}
		all[row.AccountID] = append(all[row.AccountID], conn)
	}
	return all, nil
}

func (ConnectionStore) DeleteAccount(ctx context.Context, accountID string) error {
	err := Postgres.WithContext(ctx).Where("account_id = ?", accountID).
		Delete(&DappConnection{}).Error
	return errors.WrapAndReport(err, "wipe account dapp connections")
}

func (ConnectionStore) FindLastConnectedAccount(ctx context.Context, network dapp.Network, url string) (string, error) {
	var row DappConnection
	err := Postgres.WithContext(ctx).Where("network = ? and url = ?", string(network), url).
		Order("connected_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.WrapAndReport(err, "find last connected account")
	}
	return row.AccountID, nil
}
