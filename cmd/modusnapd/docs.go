package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           modusnapd API
// @version         1.0
// @description     Control plane for the engine's Python environment: transactions, installs, diagnostics.
//
// @contact.name   modusnapd maintainers
// @contact.url    https://github.com/your-org/modusnapd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
