package prompt

// NewDefaultRegistry builds a Registry pre-populated with the system
// prompts, few-shot blocks, and CAD API reference fragments shipped with
// this module. Operators may layer additional blocks on top via the
// setters, or swap individual versions for A/B evaluation.
func NewDefaultRegistry() *Registry {
	r := New()

	r.SetSystemPrompt(RolePlanner, Block{
		Version: "planner-v1",
		Text: "You are a CAD design planner. Given a natural-language design " +
			"request, decompose it into a task graph of CAD operations. Each " +
			"node has a unique id, an operation name, parameters, and a list " +
			"of dependency ids. Respond only with JSON matching the provided " +
			"schema.",
	})
	r.SetSystemPrompt(RoleGenerator, Block{
		Version: "generator-v1",
		Text: "You are a CAD script generator. Given one task graph node and " +
			"the objects already produced by its dependencies, emit a single " +
			"fragment of CAD scripting code that performs the node's " +
			"operation. Only use the cadkit and math modules. Name created " +
			"objects with the node id as a prefix.",
	})
	r.SetSystemPrompt(RoleValidator, Block{
		Version: "validator-v1",
		Text: "You are a CAD design reviewer. Given the original design " +
			"request and a summary of the objects a pipeline produced, score " +
			"how well the result matches the request's intent on a scale of " +
			"0 to 1, and list any issues you find. Respond only with JSON " +
			"matching the provided schema.",
	})

	r.SetFewShot(RolePlanner, ComplexitySimple, Block{
		Version: "planner-fewshot-simple-v1",
		Text: `Example: "a 10mm cube" ->
{"nodes":[{"id":"n1","operation":"box","parameters":{"x":{"scalar":10},"y":{"scalar":10},"z":{"scalar":10}},"dependencies":[]}]}`,
	})
	r.SetFewShot(RolePlanner, ComplexityIntermediate, Block{
		Version: "planner-fewshot-intermediate-v1",
		Text: `Example: "a plate with four corner holes" ->
{"nodes":[
  {"id":"n1","operation":"box","parameters":{"x":{"scalar":100},"y":{"scalar":50},"z":{"scalar":5}},"dependencies":[]},
  {"id":"n2","operation":"hole_pattern","parameters":{"count":{"scalar":4},"diameter":{"scalar":6},"corner_offset":{"scalar":10}},"dependencies":["n1"]}
]}`,
	})
	r.SetFewShot(RolePlanner, ComplexityComplex, Block{
		Version: "planner-fewshot-complex-v1",
		Text: `Example: "a bracket assembly with a mounting plate, two gussets, and a
fillet on every load-bearing edge" -> multi-node graph with box, gusset,
fillet, and assemble operations chained through dependencies; fillet nodes
depend on the geometry nodes whose edges they round, assemble depends on
all part nodes.`,
	})

	r.SetAPIReference("box", Block{Version: "api-box-v1", Text: "cadkit.Box(x, y, z) -> Solid. Origin at (0,0,0)."})
	r.SetAPIReference("cylinder", Block{Version: "api-cylinder-v1", Text: "cadkit.Cylinder(radius, height) -> Solid. Axis along Z."})
	r.SetAPIReference("fillet", Block{Version: "api-fillet-v1", Text: "cadkit.Fillet(solid, edges, radius) -> Solid."})
	r.SetAPIReference("chamfer", Block{Version: "api-chamfer-v1", Text: "cadkit.Chamfer(solid, edges, distance) -> Solid."})
	r.SetAPIReference("hole_pattern", Block{Version: "api-hole-pattern-v1", Text: "cadkit.HolePattern(solid, count, diameter, corner_offset) -> Solid."})
	r.SetAPIReference("extrude", Block{Version: "api-extrude-v1", Text: "cadkit.Extrude(sketch, distance) -> Solid."})
	r.SetAPIReference("sweep", Block{Version: "api-sweep-v1", Text: "cadkit.Sweep(profile, path) -> Solid."})
	r.SetAPIReference("loft", Block{Version: "api-loft-v1", Text: "cadkit.Loft(sections) -> Solid."})
	r.SetAPIReference("assemble", Block{Version: "api-assemble-v1", Text: "cadkit.Assemble(parts, constraints) -> Assembly."})

	return r
}
