package main

// General API documentation for swaggo. Run `swag init -g cmd/locallab/docs.go`
// and build with -tags=swagger to serve the UI.
//
// @title           locallab API
// @version         1.0
// @description     Load one local model at a time and generate text with it.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
