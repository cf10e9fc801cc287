// Package config provides configuration parsing for the dev-tools server.
//
// The configuration is stored in formular-devtools.json by default. YAML
// (.yaml, .yml) and TOML (.toml) files are accepted too; the format is
// chosen by extension. Missing values are filled with defaults.
//
// # Configuration File Structure
//
//	{
//	  "server": {
//	    "address": ":9229",
//	    "allowedOrigin": "http://localhost:3000",
//	    "shutdownTimeout": "10s"
//	  },
//	  "session": {
//	    "maxHistorySize": 100,
//	    "sampleIntervalMs": 16,
//	    "handshakeTimeoutMs": 3000,
//	    "retainHistoryOnReconnect": true
//	  },
//	  "log": {
//	    "level": "info",
//	    "format": "text"
//	  },
//	  "metrics": {
//	    "enabled": true
//	  },
//	  "export": {
//	    "backend": "s3",
//	    "s3": {
//	      "bucket": "devtools-exports",
//	      "prefix": "formular/",
//	      "region": "eu-west-1"
//	    }
//	  }
//	}
package config
