package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morango/morango/internal/config"
)

func TestOpenDBRejectsNonSQLiteDrivers(t *testing.T) {
	cfg := &config.Config{
		DataDir:  t.TempDir(),
		Database: config.DatabaseConfig{Driver: "postgres"},
	}
	_, err := openDB(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestOpenDBAndBuildLocalEnv(t *testing.T) {
	cfg := &config.Config{
		DataDir:  t.TempDir(),
		Database: config.DatabaseConfig{Driver: "sqlite"},
	}
	db, err := openDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	env, certs, err := buildLocalEnv(cfg, db)
	require.NoError(t, err)
	assert.NotNil(t, env.Records)
	assert.NotNil(t, env.Sessions)
	assert.NotNil(t, env.Identity)
	assert.NotNil(t, certs)
}

func TestSetupLogging(t *testing.T) {
	setupLogging("debug")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	setupLogging("warn")
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())

	setupLogging("bogus")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}
