package engine_test

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/podform/pkg/engine"
)

// Example_runner registers a state function and applies two states, the
// second one requiring the first.
func Example_runner() {
	reg := engine.NewRegistry()
	reg.MustRegister("test.echo", engine.Function{
		Apply: func(ctx context.Context, env *engine.Env, st engine.State) (*engine.Result, error) {
			res := engine.NewResult(st)
			if env.Test {
				res.Result = nil
				res.Comment = fmt.Sprintf("Would have echoed %v", st.Args["text"])
			} else {
				res.Comment = fmt.Sprintf("Echoed %v", st.Args["text"])
			}
			res.Changes["text"] = st.Args["text"]
			return res, nil
		},
	})

	runner := engine.NewRunner(reg, engine.Env{Logger: zerolog.Nop()}, nil)
	states := []engine.State{
		{ID: "second", Function: "test.echo", Args: map[string]any{"text": "world"}, Require: []string{"first"}},
		{ID: "first", Function: "test.echo", Args: map[string]any{"text": "hello"}},
	}

	run, err := runner.Run(context.Background(), states, engine.RunOptions{Test: true})
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, res := range run.Results {
		fmt.Printf("%s: %s\n", res.ID, res.Comment)
	}
	fmt.Println(run.Status, run.Summary.Pending)

	// Output:
	// first: Would have echoed hello
	// second: Would have echoed world
	// succeeded 2
}
