/*
Copyright 2025 Payrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/payrail/dispatch"
	"github.com/payrail/dispatch/api/middleware"
	"github.com/payrail/dispatch/config"
)

type Api struct {
	engine *dispatch.Dispatch
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/dispatches", a.StartDispatch)
	router.GET("/dispatches/:id", a.GetDispatchTransaction)
	router.POST("/dispatches/:id/cancel", a.CancelDispatch)
	router.GET("/dispatches/:id/rounds", a.ListRounds)
	router.GET("/dispatches/:id/rounds/:number", a.GetRound)

	router.GET("/assignments/:id", a.GetAssignment)
	router.POST("/assignments/:id/accept", a.AcceptAssignment)
	router.POST("/assignments/:id/reject", a.RejectAssignment)

	router.POST("/agents", a.CreateAgent)
	router.GET("/agents/:id", a.GetAgent)
	router.POST("/agents/:id/release", a.ReleaseAgent)

	return a.router
}

func NewAPI(engine *dispatch.Dispatch) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{engine: engine, router: r}
}
