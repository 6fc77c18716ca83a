package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestDuplicateKey(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"other error", errors.New("boom"), ""},
		{"other mysql error", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, ""},
		{
			"mysql 8 qualified key",
			&mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'tx-1' for key 'purchases.uq_purchases_payment_ref'"},
			"uq_purchases_payment_ref",
		},
		{
			"unqualified key",
			&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '0xb/p' for key 'uq_purchases_active'"},
			"uq_purchases_active",
		},
		{
			"wrapped",
			fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'uq_reviews_purchase'"}),
			"uq_reviews_purchase",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, duplicateKey(tt.err))
		})
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now\\`, escapeLike(`50% off_now\`))
}
