package backend

import (
	_ "github.com/ollama/speechenc/ml/backend/cpu"
)
