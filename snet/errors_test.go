package snet_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deskflow/go-deskflow/snet"
)

func TestErrorKinds(t *testing.T) {
	err := &snet.Error{Kind: snet.KindTransient, Op: "accept", Err: errors.New("connection aborted")}
	assert.True(t, snet.IsTransient(err))
	assert.False(t, snet.IsCertificate(err))
	assert.Equal(t, snet.KindTransient, snet.KindOf(err))
	assert.Contains(t, err.Error(), "accept")
	assert.Contains(t, err.Error(), "transient")
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	inner := &snet.Error{Kind: snet.KindCertificate, Op: "load", Err: errors.New("no such file")}
	wrapped := fmt.Errorf("upgrading connection: %w", inner)
	assert.True(t, snet.IsCertificate(wrapped))
	assert.Equal(t, snet.KindCertificate, snet.KindOf(wrapped))
}

func TestUntaggedErrorIsUnexpected(t *testing.T) {
	assert.Equal(t, snet.KindUnexpected, snet.KindOf(errors.New("plain")))
	assert.False(t, snet.IsTransient(errors.New("plain")))
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "transient", snet.KindTransient.String())
	assert.Equal(t, "certificate", snet.KindCertificate.String())
	assert.Equal(t, "handshake", snet.KindHandshake.String())
	assert.Equal(t, "not ready", snet.KindNotReady.String())
	assert.Equal(t, "unexpected", snet.KindUnexpected.String())
}
