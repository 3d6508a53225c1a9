package le

// OpSummary describes one applied rewrite for reporting.
type OpSummary struct {
	Name string
	Addr uint32
	Size int
	Exec bool
}

// Report is the outcome of a successful (or benignly skipped) run.
type Report struct {
	Info           Info
	AlreadyPatched bool
	Ops            []OpSummary
	Appended       uint32
	InputSize      int
	OutputSize     int
}

// Run patches input and writes the result to output. It never
// modifies input, and it writes output only after the patched image
// verifies clean. A file that already carries the mouselook payload
// returns a report with AlreadyPatched set alongside a
// CodeAlreadyPatched error, with no output written; callers decide
// whether to treat that as benign.
func Run(input, output string, opts Options) (*Report, error) {
	img, err := LoadImage(input)
	if err != nil {
		return nil, err
	}
	info, err := Identify(img.pages)
	if err != nil {
		return nil, err
	}
	cat, err := CatalogFor(info.Title)
	if err != nil {
		return nil, err
	}
	rep := &Report{Info: info, InputSize: len(img.raw)}

	if opts.Mouselook {
		sc := NewScanner(img)
		if !sc.Present(cat.Mouselook) && sc.Present(cat.Patched) {
			rep.AlreadyPatched = true
			return rep, &Error{
				Code: CodeAlreadyPatched,
				Msg:  "mouselook payload already present",
			}
		}
	}

	plan, err := BuildPlan(img, info, cat, opts)
	if err != nil {
		return nil, err
	}
	if len(plan.Ops) == 0 {
		return rep, nil
	}
	if err := Apply(img, plan); err != nil {
		return nil, err
	}
	if err := Verify(img, plan, cat); err != nil {
		return nil, err
	}
	data, err := img.BuildOutput()
	if err != nil {
		return nil, err
	}
	if err := WriteFile(output, data); err != nil {
		return nil, err
	}

	for _, op := range plan.Ops {
		rep.Ops = append(rep.Ops, OpSummary{
			Name: op.Name,
			Addr: op.Addr,
			Size: len(op.New),
			Exec: op.Exec,
		})
	}
	rep.Appended = plan.Appended
	rep.OutputSize = len(data)
	return rep, nil
}
