package obs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescribeSQL(t *testing.T) {
	op, table := describeSQL(`
		INSERT INTO transactions (id, payment_link_id) VALUES ($1, $2)
		ON CONFLICT (payment_link_id, provider_transaction_id) DO NOTHING`)
	require.Equal(t, "INSERT", op)
	require.Equal(t, "transactions", table)

	op, table = describeSQL(`update payment_links SET status = $2 WHERE id = $1`)
	require.Equal(t, "UPDATE", op)
	require.Equal(t, "payment_links", table)

	op, table = describeSQL(`SELECT EXISTS (SELECT 1 FROM transactions WHERE payment_link_id = $1)`)
	require.Equal(t, "SELECT", op)
	require.Equal(t, "transactions", table)

	op, table = describeSQL("   ")
	require.Empty(t, op)
	require.Empty(t, table)
}

func TestTruncateSQLCollapsesWhitespace(t *testing.T) {
	require.Equal(t, "SELECT 1 FROM t", truncateSQL("SELECT 1\n\t FROM   t"))
	long := truncateSQL("SELECT " + strings.Repeat("x", 400))
	require.Len(t, long, maxStatementLen+3)
}
