package schema

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSniffDelimiter(t *testing.T) {
	t.Run("comma", func(t *testing.T) {
		d, err := SniffDelimiter("date,amount,customer_id")
		require.NoError(t, err)
		assert.Equal(t, ',', d)
	})

	t.Run("semicolon", func(t *testing.T) {
		d, err := SniffDelimiter("date;amount;customer_id")
		require.NoError(t, err)
		assert.Equal(t, ';', d)
	})

	t.Run("tab", func(t *testing.T) {
		d, err := SniffDelimiter("date\tamount\tcustomer_id")
		require.NoError(t, err)
		assert.Equal(t, '\t', d)
	})

	t.Run("pipe", func(t *testing.T) {
		d, err := SniffDelimiter("date|amount|customer_id")
		require.NoError(t, err)
		assert.Equal(t, '|', d)
	})

	t.Run("single column defaults to comma", func(t *testing.T) {
		d, err := SniffDelimiter("amount")
		require.NoError(t, err)
		assert.Equal(t, ',', d)
	})

	t.Run("tie is ambiguous", func(t *testing.T) {
		_, err := SniffDelimiter("a,b;c,d;e")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguous")
	})
}

func TestNormalizeIdent(t *testing.T) {
	cases := map[string]string{
		" Date ":        "date",
		"Customer ID":   "customer_id",
		"Amount ($)":    "amount",
		"a--b":          "a_b",
		"\uFEFFinvoice": "invoice",
		"Região":        "regi_o",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeIdent(in), "input %q", in)
	}
}

func TestParse(t *testing.T) {
	t.Run("basic inference", func(t *testing.T) {
		data := []byte("Date,Amount,Customer ID\n2024-01-05,1200.50,101\n2024-01-06,89,102\n")
		td, err := Parse(data, 100)
		require.NoError(t, err)

		want := Schema{
			{Name: "date", Type: TypeText},
			{Name: "amount", Type: TypeReal},
			{Name: "customer_id", Type: TypeInteger},
		}
		if diff := cmp.Diff(want, td.Columns); diff != "" {
			t.Errorf("schema mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 2, td.RowCount())
		assert.Equal(t, ',', td.Delimiter)
	})

	t.Run("boolean column", func(t *testing.T) {
		data := []byte("name,flagged\nacme,true\nglobex,false\n")
		td, err := Parse(data, 100)
		require.NoError(t, err)
		assert.Equal(t, TypeBoolean, td.Columns[1].Type)
	})

	t.Run("mixed values widen", func(t *testing.T) {
		data := []byte("v\ntrue\n12\n3.5\nhello\n")
		td, err := Parse(data, 100)
		require.NoError(t, err)
		assert.Equal(t, TypeText, td.Columns[0].Type)
	})

	t.Run("integer then real widens to real", func(t *testing.T) {
		data := []byte("v\n12\n3.5\n")
		td, err := Parse(data, 100)
		require.NoError(t, err)
		assert.Equal(t, TypeReal, td.Columns[0].Type)
	})

	t.Run("empty values carry no information", func(t *testing.T) {
		data := []byte("a,b\n1,\n2,\n")
		td, err := Parse(data, 100)
		require.NoError(t, err)
		assert.Equal(t, TypeInteger, td.Columns[0].Type)
		assert.Equal(t, TypeText, td.Columns[1].Type)
	})

	t.Run("sample bound limits inference not rows", func(t *testing.T) {
		var b strings.Builder
		b.WriteString("v\n")
		for i := 0; i < 10; i++ {
			b.WriteString("1\n")
		}
		b.WriteString("not-a-number\n")
		td, err := Parse([]byte(b.String()), 10)
		require.NoError(t, err)
		// The text row is outside the sample, so the type stays integer,
		// but every row is still returned.
		assert.Equal(t, TypeInteger, td.Columns[0].Type)
		assert.Equal(t, 11, td.RowCount())
	})

	t.Run("header only", func(t *testing.T) {
		td, err := Parse([]byte("a,b,c\n"), 100)
		require.NoError(t, err)
		assert.Equal(t, 0, td.RowCount())
		assert.Equal(t, []string{"a", "b", "c"}, td.Columns.Names())
	})

	t.Run("duplicate headers disambiguated", func(t *testing.T) {
		td, err := Parse([]byte("amount,Amount,AMOUNT\n1,2,3\n"), 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"amount", "amount_2", "amount_3"}, td.Columns.Names())
	})

	t.Run("empty file rejected", func(t *testing.T) {
		_, err := Parse([]byte("  \n "), 100)
		require.Error(t, err)
	})

	t.Run("ragged row rejected", func(t *testing.T) {
		_, err := Parse([]byte("a,b\n1,2\n3\n"), 100)
		require.Error(t, err)
	})

	t.Run("semicolon file", func(t *testing.T) {
		td, err := Parse([]byte("a;b\n1;x\n"), 100)
		require.NoError(t, err)
		assert.Equal(t, ';', td.Delimiter)
		assert.Equal(t, []string{"1", "x"}, td.Rows[0])
	})
}

func TestDiff(t *testing.T) {
	base := Schema{
		{Name: "date", Type: TypeText},
		{Name: "amount", Type: TypeReal},
		{Name: "customer_id", Type: TypeInteger},
	}

	t.Run("identical schemas yield empty delta", func(t *testing.T) {
		d := Diff(base, base)
		assert.True(t, d.Empty())
	})

	t.Run("added column", func(t *testing.T) {
		next := append(Schema{}, base...)
		next = append(next, Column{Name: "region", Type: TypeText})
		d := Diff(base, next)
		require.Len(t, d.Added, 1)
		assert.Equal(t, "region", d.Added[0].Name)
		assert.Empty(t, d.Removed)
		assert.Empty(t, d.Widened)
	})

	t.Run("removed column", func(t *testing.T) {
		d := Diff(base, base[:2])
		assert.Equal(t, []string{"customer_id"}, d.Removed)
	})

	t.Run("widened column", func(t *testing.T) {
		next := Schema{
			{Name: "date", Type: TypeText},
			{Name: "amount", Type: TypeText},
			{Name: "customer_id", Type: TypeInteger},
		}
		d := Diff(base, next)
		require.Len(t, d.Widened, 1)
		assert.Equal(t, Column{Name: "amount", Type: TypeText}, d.Widened[0])
	})

	t.Run("narrowing is ignored", func(t *testing.T) {
		next := Schema{
			{Name: "date", Type: TypeText},
			{Name: "amount", Type: TypeInteger}, // file narrowed real -> integer
			{Name: "customer_id", Type: TypeInteger},
		}
		d := Diff(base, next)
		assert.True(t, d.Empty())

		merged := Merged(base, next)
		got, ok := merged.Find("amount")
		require.True(t, ok)
		assert.Equal(t, TypeReal, got.Type)
	})
}

func TestWiden(t *testing.T) {
	assert.Equal(t, TypeInteger, Widen(TypeBoolean, TypeInteger))
	assert.Equal(t, TypeReal, Widen(TypeInteger, TypeReal))
	assert.Equal(t, TypeText, Widen(TypeReal, TypeText))
	assert.Equal(t, TypeText, Widen(TypeText, TypeBoolean))
	assert.Equal(t, TypeReal, Widen(TypeReal, TypeReal))
}
