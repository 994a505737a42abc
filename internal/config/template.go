package config

// Starter is written by forseti init.
const Starter = `# forseti configuration

[forseti]
# max_workers = 8
timeout_ms = 30000
drain_grace_ms = 2000
batch_size = 0
history_retention_days = 30
# cache_dir = "~/.forseti/cache"
# registry_url = "https://example.com/forseti-registry"

# Engines to install. A string is a registry version; tables select a
# source explicitly.
[engines]
# rust = "1.2.0"
# terraform = { git = "https://github.com/example/forseti-terraform", ref = "main" }
# local = { path = "./engines/forseti_custom_local" }

# Runtime settings per engine id.
[engine.text]
enabled = true

[engine.text.rules]
no-trailing-whitespace = "warn"
max-line-length = ["warn", { limit = 100 }]
final-newline = "warn"

[files]
include = ["**/*"]
exclude = [".git/**", "target/**", "node_modules/**"]
`
