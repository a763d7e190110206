package main

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	// commandTimeout bounds how long a PUT waits for room in the command queue.
	commandTimeout    = 2 * time.Second
	queuePollInterval = 20 * time.Millisecond
)

var errQueueFull = errors.New("command queue full")

type APIStateConfig struct {
	Mode *string `json:"mode"`
	Aux  *string `json:"aux"`
}

// toCommands decodes a PUT body. Aux comes first so a combined request is
// applied the same way a hardware code is.
func (args *APIStateConfig) toCommands() ([]Command, error) {
	var cmds []Command

	if args.Aux != nil {
		aux, err := stringAuxToRaw(*args.Aux)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, auxCommand(aux))
	}

	if args.Mode != nil {
		mode, err := stringModeToRaw(*args.Mode)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, modeCommand(mode))
	}

	if len(cmds) == 0 {
		return nil, errors.New("one of mode or aux is required")
	}
	return cmds, nil
}

func handleErrors(c *gin.Context) {
	c.Next()

	if len(c.Errors) > 0 {
		c.JSON(-1, c.Errors) // -1 == not override the current error code
	}
}

type webServer struct {
	cache      *Cache
	dispatcher *EventDispatcher
	protocol   *HvacProtocol
	cmds       chan<- Command
	timeout    time.Duration

	queueMu sync.Mutex
}

// enqueue hands every command to the loop or none of them, so a combined
// request is never half applied.
func (w *webServer) enqueue(cmds []Command) error {
	w.queueMu.Lock()
	defer w.queueMu.Unlock()

	timeout := w.timeout
	if timeout <= 0 {
		timeout = commandTimeout
	}
	deadline := time.Now().Add(timeout)
	for cap(w.cmds)-len(w.cmds) < len(cmds) {
		if time.Now().After(deadline) {
			return errQueueFull
		}
		time.Sleep(queuePollInterval)
	}

	for _, cmd := range cmds {
		w.cmds <- cmd
	}
	return nil
}

func (w *webServer) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handleErrors) // attach error handling middleware

	api := r.Group("/api")

	api.GET("/state", func(c *gin.Context) {
		st, ok := w.cache.get("state").(*StateView)
		if !ok {
			c.AbortWithError(http.StatusServiceUnavailable, errors.New("hvac state not known yet"))
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.PUT("/state", func(c *gin.Context) {
		var args APIStateConfig

		if err := c.ShouldBindJSON(&args); err != nil {
			c.AbortWithError(http.StatusBadRequest, err)
			return
		}

		cmds, err := args.toCommands()
		if err != nil {
			log.Warnf("rejecting state update: %s", err)
			c.AbortWithError(http.StatusBadRequest, err)
			return
		}

		if err := w.enqueue(cmds); err != nil {
			log.Warnf("rejecting state update: %s", err)
			c.AbortWithError(http.StatusServiceUnavailable, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.GET("/stats", func(c *gin.Context) {
		if w.protocol == nil {
			c.AbortWithError(http.StatusServiceUnavailable, errors.New("serial protocol not running"))
			return
		}
		c.JSON(http.StatusOK, w.protocol.snapshotStats())
	})

	api.GET("/ws", func(c *gin.Context) {
		h := websocket.Handler(w.attachListener)
		h.ServeHTTP(c.Writer, c.Request)
	})

	r.StaticFS("/ui", assetFS())

	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "ui")
	})

	return r
}

func (w *webServer) run(port int) error {
	return w.router().Run(":" + strconv.Itoa(port))
}

func (w *webServer) attachListener(ws *websocket.Conn) {
	listener := &EventListener{make(chan []byte, 32)}

	defer func() {
		w.dispatcher.deregister <- listener
		log.Printf("closing websocket")
		err := ws.Close()
		if err != nil {
			log.Println("error on ws close:", err.Error())
		}
	}()

	// the dispatcher replays the cached state before any new event
	w.dispatcher.register <- listener

	// wait for events
	for message := range listener.ch {
		_, err := ws.Write(message)
		if err != nil {
			log.Printf("error on websocket write: %s", err.Error())
			return
		}
	}
	log.Printf("read from listener.ch was not okay")
}
