package natsx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderKeepsCase(t *testing.T) {
	h := Header(map[string]string{"tenantId": "t-1", "eventType": "process"})
	assert.Equal(t, "t-1", h.Get("tenantId"))

	assert.Equal(t, map[string]string{"tenantId": "t-1", "eventType": "process"}, HeaderMap(h))
	assert.Nil(t, Header(nil))
	assert.Nil(t, HeaderMap(nil))
}

func TestTerminalWrapsCause(t *testing.T) {
	cause := errors.New("bad request")
	err := Terminal(cause)

	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, cause)
}
