package pii

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact_MixedContact(t *testing.T) {
	out := Redact("Contato: joao@x.com, tel (11) 98888-7777, CPF 123.456.789-00")

	assert.Contains(t, out, PlaceholderEmail)
	assert.Contains(t, out, PlaceholderPhone)
	assert.Contains(t, out, PlaceholderCPF)
	assert.NotContains(t, out, "joao@x.com")
	assert.NotRegexp(t, regexp.MustCompile(`\d{3}\.?\d{3}\.?\d{3}-?\d{2}`), out)
	assert.NotRegexp(t, regexp.MustCompile(`\d`), out)
}

func TestRedact_Patterns(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare cpf", "meu cpf 12345678900 ok", "meu cpf <cpf> ok"},
		{"international phone", "ligue +55 21 3333-4444", "ligue <telefone>"},
		{"mobile without ddd", "celular 98888-7777", "celular <telefone>"},
		{"formatted rg", "documento 12.345.678-9", "documento <rg>"},
		{"rg with label", "RG: 1234567-X", "<rg>"},
		{"cpf in spaced groups", "cpf 123 456 789 00", "cpf <cpf>"},
		{"cpf with slash", "CPF: 123.456.789/00", "CPF: <cpf>"},
		{"cpf without check dash", "12345678900.", "<cpf>."},
		{"rg after verb", "meu rg é 12.345.678", "meu <rg>"},
		{"rg lowercase label", "rg nº 12.345.678-9 emitido em SP", "<rg> emitido em SP"},
		{"no pii", "Posso tomar o remédio às 8h?", "Posso tomar o remédio às 8h?"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}

func TestPseudonymize_DeterministicAndKeyed(t *testing.T) {
	salt := []byte("server-secret")

	a := Pseudonymize("42", salt)
	b := Pseudonymize("42", salt)
	c := Pseudonymize("42", []byte("other-secret"))
	d := Pseudonymize("43", salt)

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.NotContains(t, a, "42")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "ação"+TruncatedSuffix, Truncate("açãoxyz", 4))

	long := strings.Repeat("é", 2500)
	out := Truncate(long, 2000)
	assert.True(t, strings.HasSuffix(out, TruncatedSuffix))
	assert.Equal(t, 2000, len([]rune(strings.TrimSuffix(out, TruncatedSuffix))))
}
