// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"testing"

	"github.com/li041/ls2k1000la-driver/pkg/ahci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitContext(t *testing.T) {
	s := Settings{}
	err, _ := s.InitContext([]string{"ahci-util", "--simulate", "--sectors=2048", "--lba48", "--read=0x10:4", "--verbosity=2"}, context.Background())
	require.NoError(t, err)

	assert.True(t, s.Simulate)
	assert.Equal(t, uint64(2048), s.Sectors)
	assert.True(t, s.Lba48)
	assert.Equal(t, "0x10:4", s.Read)
	assert.Equal(t, "2", s.Verbosity)
	assert.False(t, s.Help)

	s = Settings{}
	err, _ = s.InitContext([]string{"ahci-util"}, context.Background())
	require.NoError(t, err)
	assert.True(t, s.Help)
	assert.Equal(t, uint64(DefaultSectors), s.Sectors)
}

func TestParseLbaCount(t *testing.T) {
	lba, cnt, err := parseLbaCount("0x10:4")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), lba)
	assert.Equal(t, uint32(4), cnt)

	lba, cnt, err = parseLbaCount("100")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), lba)
	assert.Equal(t, uint32(1), cnt)

	_, _, err = parseLbaCount("x")
	assert.Error(t, err)
	_, _, err = parseLbaCount("1:y")
	assert.Error(t, err)
}

func TestSetVerbosity(t *testing.T) {
	assert.NoError(t, setVerbosity(DefaultVerbosity))

	err := setVerbosity("loud")
	assert.ErrorContains(t, err, `invalid verbosity "loud"`)
	assert.Error(t, setVerbosity(""))
}

func TestRunSimulation(t *testing.T) {
	settings := Settings{Sectors: 4096, Read: "1:2"}
	assert.NoError(t, runSimulation(settings, ahci.DefaultConfig()))

	settings = Settings{Sectors: 1 << 29, Lba48: true}
	assert.NoError(t, runSimulation(settings, ahci.DefaultConfig()))

	// too small for the round trip
	settings = Settings{Sectors: 100}
	assert.Error(t, runSimulation(settings, ahci.DefaultConfig()))
}
