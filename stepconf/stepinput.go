package stepconf

// InputParser fills a config struct from an environment source.
type InputParser interface {
	Parse(input interface{}) error
}

type envInputParser struct {
	envGetter EnvGetter
}

// NewInputParser returns an InputParser reading from envGetter. A nil getter reads the process environment.
func NewInputParser(envGetter EnvGetter) InputParser {
	if envGetter == nil {
		envGetter = osEnvGetter{}
	}
	return envInputParser{envGetter: envGetter}
}

func (p envInputParser) Parse(input interface{}) error {
	return parse(input, p.envGetter)
}
