package database

import (
	"database/sql/driver"
	"encoding/json"

	"stellawallet.io/stella-wallet/pkg/errors"
)

// JSONBMap maps a Go map onto a postgres jsonb column.
type JSONBMap map[string]interface{}

func (j JSONBMap) Value() (driver.Value, error) {
	valueString, err := json.Marshal(j)
	return string(valueString), err
}

func (j *JSONBMap) Scan(value interface{}) error {
	raw, ok := value.([]byte)
	if !ok {
		return errors.New("scan jsonb: unexpected column type")
	}
	return json.Unmarshal(raw, j)
}
