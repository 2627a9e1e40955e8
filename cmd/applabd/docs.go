package main

// @title applabd API
// @version 1.0
// @description HTTP API for provisioning and supervising containerized AI applications and inference playgrounds on a container engine.

// @contact.name applabd
// @contact.url https://example.com/applabd

// @license.name Apache-2.0

// @BasePath /
// @schemes http
