// SPDX-FileCopyrightText: 2018 - 2022 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/linuxdeepin/go-lib/dbusutil"
	"github.com/linuxdeepin/go-lib/log"

	"github.com/nemomobile/mce/display"
)

var logger = log.NewLogger("mce")

var (
	optDebug  bool
	optConfig string
)

func main() {
	flag.BoolVar(&optDebug, "debug", false, "debug mode")
	flag.StringVar(&optConfig, "config", display.DefaultConfigPath,
		"display settings file")
	flag.Parse()
	if optDebug {
		logger.SetLogLevel(log.LevelDebug)
	}

	service, err := dbusutil.NewSystemService()
	if err != nil {
		logger.Fatal("failed to connect to system bus:", err)
	}

	daemon := display.NewDaemon(service, optConfig)
	err = daemon.Start()
	if err != nil {
		logger.Fatal(err)
	}
	logger.Info("display daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("got signal:", sig)
		daemon.Stop()
		os.Exit(0)
	}()

	service.Wait()
}
