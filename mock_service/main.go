/*
 *    Copyright [2020] Sergey Kudasov
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v2"
)

type setRequestBody struct {
	Key string `json:"key"`
	Val string `json:"value"`
}

func hello(c echo.Context) error {
	return c.String(http.StatusOK, "world!")
}

func setKey(s *Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body setRequestBody
		if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
			return c.String(http.StatusBadRequest, "Unable to decode body")
		}
		err := s.Set(body.Key, body.Val)
		switch {
		case errors.Is(err, errKeyTooLong), errors.Is(err, errValueTooLong), errors.Is(err, errMaxKeysReached):
			return c.String(http.StatusBadRequest, err.Error())
		case err != nil:
			return c.String(http.StatusConflict, err.Error())
		}
		return c.String(http.StatusCreated, "key created successfully!")
	}
}

func getKey(s *Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Param("id")
		val, err := s.Get(key)
		switch {
		case errors.Is(err, errKeyTooLong):
			return c.String(http.StatusBadRequest, err.Error())
		case err != nil:
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSONCharsetUTF8, []byte(fmt.Sprintf("{ %q : %q }", key, val)))
	}
}

func delKey(s *Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.Delete(c.Param("id")); err != nil {
			return c.String(http.StatusNotFound, err.Error())
		}
		return c.String(http.StatusOK, "key deleted successfully")
	}
}

func newServer(verbose bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	if verbose {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())
	return e
}

// NewLeader accepts writes
func NewLeader(s *Store, verbose bool) *echo.Echo {
	e := newServer(verbose)
	e.GET("/hello", hello)
	e.POST("/key", setKey(s))
	e.DELETE("/key/:id", delKey(s))
	return e
}

// NewFollower serves reads of replicated keys
func NewFollower(s *Store, verbose bool) *echo.Echo {
	e := newServer(verbose)
	e.GET("/hello", hello)
	e.GET("/key/:id", getKey(s))
	return e
}

func serve(c *cli.Context) error {
	cfg := DefaultStoreConfig()
	cfg.ReplicationLag = c.Duration("replication_lag")
	cfg.MaxKeys = c.Int("max_keys")
	store := NewStore(cfg)
	leader := NewLeader(store, c.Bool("verbose"))
	follower := NewFollower(store, c.Bool("verbose"))

	errs := make(chan error, 2)
	go func() { errs <- leader.Start(c.String("leader")) }()
	go func() { errs <- follower.Start(c.String("follower")) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	var err error
	select {
	case err = <-errs:
	case <-sigs:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = leader.Shutdown(ctx)
	_ = follower.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func main() {
	app := &cli.App{
		Name:  "mock_service",
		Usage: "in-memory dkv leader and follower",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "leader", Value: ":8888", Usage: "leader listen address"},
			&cli.StringFlag{Name: "follower", Value: ":8889", Usage: "follower listen address"},
			&cli.DurationFlag{Name: "replication_lag", Value: DefaultStoreConfig().ReplicationLag, Usage: "delay before a write is visible on the follower"},
			&cli.IntFlag{Name: "max_keys", Usage: "max amount of keys, 0 is unlimited"},
			&cli.BoolFlag{Name: "verbose", Usage: "log every request"},
		},
		Action: serve,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
